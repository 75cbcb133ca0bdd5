package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/lifecycle"
	"github.com/riverstation/stationd/internal/match"
	"github.com/riverstation/stationd/pkg/models"
)

// MemoryStore is an in-process Store. It backs tests and stations running
// without a database. Values are copied on the way in and out.
type MemoryStore struct {
	mu            sync.Mutex
	apiKeys       map[uuid.UUID]models.APIKey
	recipes       map[uuid.UUID]models.Recipe
	crossSections map[uuid.UUID]models.CrossSection
	cameraConfigs map[uuid.UUID]models.CameraConfig
	videoConfigs  map[uuid.UUID]models.VideoConfig
	timeSeries    map[uuid.UUID]models.TimeSeries
	videos        map[uuid.UUID]models.Video
	callback      *models.CallbackURL
	// stale holds entities edited while their sync was queued.
	stale map[uuid.UUID]bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apiKeys:       make(map[uuid.UUID]models.APIKey),
		recipes:       make(map[uuid.UUID]models.Recipe),
		crossSections: make(map[uuid.UUID]models.CrossSection),
		cameraConfigs: make(map[uuid.UUID]models.CameraConfig),
		videoConfigs:  make(map[uuid.UUID]models.VideoConfig),
		timeSeries:    make(map[uuid.UUID]models.TimeSeries),
		videos:        make(map[uuid.UUID]models.Video),
		stale:         make(map[uuid.UUID]bool),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			k := k
			keys = append(keys, &k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	s.apiKeys[id] = k
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyPrefix == key.KeyPrefix {
			return ErrDuplicateKey
		}
	}
	s.apiKeys[key.ID] = *key
	return nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.DeletedAt == nil {
			k := k
			keys = append(keys, &k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	s.apiKeys[id] = k
	return nil
}

// --- Configuration entities ---

func (s *MemoryStore) CreateRecipe(ctx context.Context, r *models.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipes[r.ID]; ok {
		return ErrDuplicateKey
	}
	stampNew(&r.CreatedAt, &r.UpdatedAt, &r.SyncStatus)
	s.recipes[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetRecipe(ctx context.Context, id uuid.UUID) (*models.Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) UpdateRecipe(ctx context.Context, r *models.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recipes[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = r.Name
	cur.Data = r.Data
	cur.UpdatedAt = time.Now().UTC()
	cur.SyncStatus = s.edited(cur.ID, cur.SyncStatus)
	s.recipes[r.ID] = cur
	r.SyncStatus = cur.SyncStatus
	r.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *MemoryStore) CreateCrossSection(ctx context.Context, cs *models.CrossSection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.crossSections[cs.ID]; ok {
		return ErrDuplicateKey
	}
	stampNew(&cs.CreatedAt, &cs.UpdatedAt, &cs.SyncStatus)
	s.crossSections[cs.ID] = *cs
	return nil
}

func (s *MemoryStore) GetCrossSection(ctx context.Context, id uuid.UUID) (*models.CrossSection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.crossSections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cs, nil
}

func (s *MemoryStore) CreateCameraConfig(ctx context.Context, cc *models.CameraConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cameraConfigs[cc.ID]; ok {
		return ErrDuplicateKey
	}
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = time.Now().UTC()
	}
	cc.UpdatedAt = cc.CreatedAt
	s.cameraConfigs[cc.ID] = *cc
	return nil
}

func (s *MemoryStore) GetCameraConfig(ctx context.Context, id uuid.UUID) (*models.CameraConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.cameraConfigs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cc, nil
}

func (s *MemoryStore) CreateVideoConfig(ctx context.Context, vc *models.VideoConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videoConfigs[vc.ID]; ok {
		return ErrDuplicateKey
	}
	stampNew(&vc.CreatedAt, &vc.UpdatedAt, &vc.SyncStatus)
	s.videoConfigs[vc.ID] = *vc
	return nil
}

func (s *MemoryStore) GetVideoConfig(ctx context.Context, id uuid.UUID) (*models.VideoConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vc, ok := s.videoConfigs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &vc, nil
}

// --- Time series ---

func (s *MemoryStore) CreateTimeSeries(ctx context.Context, ts *models.TimeSeries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timeSeries[ts.ID]; ok {
		return ErrDuplicateKey
	}
	stampNew(&ts.CreatedAt, &ts.UpdatedAt, &ts.SyncStatus)
	s.timeSeries[ts.ID] = *ts
	return nil
}

func (s *MemoryStore) GetTimeSeries(ctx context.Context, id uuid.UUID) (*models.TimeSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.timeSeries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ts, nil
}

func (s *MemoryStore) UpdateTimeSeries(ctx context.Context, ts *models.TimeSeries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timeSeries[ts.ID]
	if !ok {
		return ErrNotFound
	}
	cur.H = ts.H
	cur.Q05, cur.Q25, cur.Q50, cur.Q75, cur.Q95 = ts.Q05, ts.Q25, ts.Q50, ts.Q75, ts.Q95
	cur.WettedSurface = ts.WettedSurface
	cur.WettedPerimeter = ts.WettedPerimeter
	cur.FractionVelocimetry = ts.FractionVelocimetry
	cur.UpdatedAt = time.Now().UTC()
	cur.SyncStatus = s.edited(cur.ID, cur.SyncStatus)
	s.timeSeries[ts.ID] = cur
	ts.SyncStatus = cur.SyncStatus
	ts.UpdatedAt = cur.UpdatedAt
	return nil
}

// --- Videos ---

func (s *MemoryStore) CreateVideo(ctx context.Context, v *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[v.ID]; ok {
		return ErrDuplicateKey
	}
	stampNew(&v.CreatedAt, &v.UpdatedAt, &v.SyncStatus)
	if v.Status == "" {
		v.Status = models.VideoStatusNew
	}
	s.videos[v.ID] = *v
	return nil
}

func (s *MemoryStore) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryStore) ListVideos(ctx context.Context, filter VideoFilter) ([]*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Video
	for _, v := range s.videos {
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		if filter.SyncStatus != "" && v.SyncStatus != filter.SyncStatus {
			continue
		}
		v := v
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, opts ...VideoUpdateOption) (*models.Video, error) {
	params := &videoUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := lifecycle.CheckVideoTransition(v.Status, status, params.Rerun); err != nil {
		return nil, err
	}

	v.Status = status
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		v.ErrorMessage = &msg
	} else if status == models.VideoStatusQueued {
		v.ErrorMessage = nil
	}
	if params.Image != nil {
		v.Image = *params.Image
	}
	if params.Thumbnail != nil {
		v.Thumbnail = *params.Thumbnail
	}
	if params.TimeSeriesID != nil {
		tsID := *params.TimeSeriesID
		v.TimeSeriesID = &tsID
	}
	if changesResults(status) {
		v.SyncStatus = s.edited(id, v.SyncStatus)
	}
	v.UpdatedAt = time.Now().UTC()
	s.videos[id] = v
	return &v, nil
}

func (s *MemoryStore) LinkVideoTimeSeries(ctx context.Context, videoID, timeSeriesID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.timeSeries[timeSeriesID]; !ok {
		return ErrNotFound
	}
	for id, other := range s.videos {
		if id != videoID && other.TimeSeriesID != nil && *other.TimeSeriesID == timeSeriesID {
			return ErrDuplicateKey
		}
	}
	v.TimeSeriesID = &timeSeriesID
	v.SyncStatus = s.edited(videoID, v.SyncStatus)
	v.UpdatedAt = time.Now().UTC()
	s.videos[videoID] = v
	return nil
}

// --- Closest match ---

func (s *MemoryStore) ClosestTimeSeries(ctx context.Context, t time.Time, maxDelta time.Duration) (match.Result[models.TimeSeries], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	linked := make(map[uuid.UUID]bool)
	for _, v := range s.videos {
		if v.TimeSeriesID != nil {
			linked[*v.TimeSeriesID] = true
		}
	}
	var candidates []models.TimeSeries
	for id, ts := range s.timeSeries {
		if !linked[id] {
			candidates = append(candidates, ts)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	return match.Closest(t, candidates, timeSeriesTime, maxDelta), nil
}

func (s *MemoryStore) ClosestUnlinkedVideo(ctx context.Context, t time.Time, maxDelta time.Duration) (match.Result[models.Video], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.Video
	for _, v := range s.videos {
		if v.TimeSeriesID == nil {
			candidates = append(candidates, v)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	return match.Closest(t, candidates, videoTime, maxDelta), nil
}

// --- Sync status ---

func (s *MemoryStore) ClaimSync(ctx context.Context, kind models.EntityKind, id uuid.UUID) (models.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev models.SyncStatus
	err := s.mutateRemote(kind, id, func(rm *models.RemoteModel) error {
		prev = rm.SyncStatus
		if prev == models.SyncStatusQueued {
			return ErrAlreadyQueued
		}
		if err := lifecycle.CheckSyncTransition(prev, models.SyncStatusQueued); err != nil {
			return err
		}
		rm.SyncStatus = models.SyncStatusQueued
		delete(s.stale, id)
		return nil
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

func (s *MemoryStore) SetSyncStatus(ctx context.Context, kind models.EntityKind, id uuid.UUID, status models.SyncStatus, remoteID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateRemote(kind, id, func(rm *models.RemoteModel) error {
		status := lifecycle.SettleSync(status, s.stale[id])
		if err := lifecycle.CheckSyncTransition(rm.SyncStatus, status); err != nil {
			return err
		}
		delete(s.stale, id)
		rm.SyncStatus = status
		if remoteID != nil {
			rid := *remoteID
			rm.RemoteID = &rid
		}
		return nil
	})
}

func (s *MemoryStore) ReleaseSyncClaims(ctx context.Context, kind models.EntityKind) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	release := func(id uuid.UUID, rm *models.RemoteModel) {
		if rm.SyncStatus != models.SyncStatusQueued {
			return
		}
		rm.SyncStatus = lifecycle.Released(*rm)
		delete(s.stale, id)
		ids = append(ids, id)
	}

	switch kind {
	case models.KindRecipe:
		eachRemote(s.recipes, func(e *models.Recipe) *models.RemoteModel { return &e.RemoteModel }, release)
	case models.KindCrossSection:
		eachRemote(s.crossSections, func(e *models.CrossSection) *models.RemoteModel { return &e.RemoteModel }, release)
	case models.KindVideoConfig:
		eachRemote(s.videoConfigs, func(e *models.VideoConfig) *models.RemoteModel { return &e.RemoteModel }, release)
	case models.KindTimeSeries:
		eachRemote(s.timeSeries, func(e *models.TimeSeries) *models.RemoteModel { return &e.RemoteModel }, release)
	case models.KindVideo:
		eachRemote(s.videos, func(e *models.Video) *models.RemoteModel { return &e.RemoteModel }, release)
	default:
		_, err := tableFor(kind)
		return nil, err
	}
	return ids, nil
}

// edited returns the sync status after a local edit of id. Caller holds s.mu.
func (s *MemoryStore) edited(id uuid.UUID, current models.SyncStatus) models.SyncStatus {
	if current == models.SyncStatusQueued {
		s.stale[id] = true
	}
	return lifecycle.AfterLocalEdit(current)
}

func eachRemote[T any](m map[uuid.UUID]T, remote func(*T) *models.RemoteModel, fn func(uuid.UUID, *models.RemoteModel)) {
	for id, e := range m {
		fn(id, remote(&e))
		m[id] = e
	}
}

// mutateRemote applies fn to the sync fields of one entity. Caller holds s.mu.
func (s *MemoryStore) mutateRemote(kind models.EntityKind, id uuid.UUID, fn func(*models.RemoteModel) error) error {
	switch kind {
	case models.KindRecipe:
		return mutate(s.recipes, id, func(e *models.Recipe) error { return fn(&e.RemoteModel) })
	case models.KindCrossSection:
		return mutate(s.crossSections, id, func(e *models.CrossSection) error { return fn(&e.RemoteModel) })
	case models.KindVideoConfig:
		return mutate(s.videoConfigs, id, func(e *models.VideoConfig) error { return fn(&e.RemoteModel) })
	case models.KindTimeSeries:
		return mutate(s.timeSeries, id, func(e *models.TimeSeries) error { return fn(&e.RemoteModel) })
	case models.KindVideo:
		return mutate(s.videos, id, func(e *models.Video) error { return fn(&e.RemoteModel) })
	}
	_, err := tableFor(kind)
	return err
}

func mutate[T any](m map[uuid.UUID]T, id uuid.UUID, fn func(*T) error) error {
	e, ok := m[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&e); err != nil {
		return err
	}
	m[id] = e
	return nil
}

// --- Callback URL ---

func (s *MemoryStore) GetCallbackURL(ctx context.Context) (*models.CallbackURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callback == nil {
		return nil, ErrNotFound
	}
	cb := *s.callback
	return &cb, nil
}

func (s *MemoryStore) SaveCallbackURL(ctx context.Context, cb *models.CallbackURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if cb.ID == uuid.Nil {
		cb.ID = uuid.New()
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now
	c := *cb
	s.callback = &c
	return nil
}

func (s *MemoryStore) SaveTokens(ctx context.Context, access, refresh string, expiration time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callback == nil {
		return ErrNotFound
	}
	s.callback.TokenAccess = access
	s.callback.TokenRefresh = refresh
	s.callback.TokenExpiration = expiration
	s.callback.UpdatedAt = time.Now().UTC()
	return nil
}
