package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverstation/stationd/internal/lifecycle"
	"github.com/riverstation/stationd/internal/match"
	"github.com/riverstation/stationd/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// localEdit is the SET fragment every local field update carries: a synced
// row becomes updated and an edit under a queued sync is remembered as stale.
const localEdit = `sync_status = CASE WHEN sync_status = 'synced' THEN 'updated' ELSE sync_status END,
		   sync_stale = sync_stale OR sync_status = 'queued'`

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Configuration entities ---

func (s *PostgresStore) CreateRecipe(ctx context.Context, r *models.Recipe) error {
	stampNew(&r.CreatedAt, &r.UpdatedAt, &r.SyncStatus)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recipes (id, name, data, remote_id, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Name, r.Data, r.RemoteID, r.SyncStatus, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create recipe: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecipe(ctx context.Context, id uuid.UUID) (*models.Recipe, error) {
	var r models.Recipe
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, data, remote_id, sync_status, created_at, updated_at FROM recipes WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &r.Data, &r.RemoteID, &r.SyncStatus, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateRecipe(ctx context.Context, r *models.Recipe) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE recipes SET name = $2, data = $3, updated_at = NOW(),
		   `+localEdit+`
		 WHERE id = $1
		 RETURNING sync_status, updated_at`,
		r.ID, r.Name, r.Data,
	).Scan(&r.SyncStatus, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update recipe: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCrossSection(ctx context.Context, cs *models.CrossSection) error {
	stampNew(&cs.CreatedAt, &cs.UpdatedAt, &cs.SyncStatus)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cross_sections (id, name, features, remote_id, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cs.ID, cs.Name, cs.Features, cs.RemoteID, cs.SyncStatus, cs.CreatedAt, cs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create cross section: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCrossSection(ctx context.Context, id uuid.UUID) (*models.CrossSection, error) {
	var cs models.CrossSection
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, features, remote_id, sync_status, created_at, updated_at FROM cross_sections WHERE id = $1`, id,
	).Scan(&cs.ID, &cs.Name, &cs.Features, &cs.RemoteID, &cs.SyncStatus, &cs.CreatedAt, &cs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cross section: %w", err)
	}
	return &cs, nil
}

func (s *PostgresStore) CreateCameraConfig(ctx context.Context, cc *models.CameraConfig) error {
	now := time.Now().UTC()
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = now
	}
	cc.UpdatedAt = cc.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO camera_configs (id, name, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		cc.ID, cc.Name, cc.Data, cc.CreatedAt, cc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create camera config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCameraConfig(ctx context.Context, id uuid.UUID) (*models.CameraConfig, error) {
	var cc models.CameraConfig
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, data, created_at, updated_at FROM camera_configs WHERE id = $1`, id,
	).Scan(&cc.ID, &cc.Name, &cc.Data, &cc.CreatedAt, &cc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get camera config: %w", err)
	}
	return &cc, nil
}

func (s *PostgresStore) CreateVideoConfig(ctx context.Context, vc *models.VideoConfig) error {
	stampNew(&vc.CreatedAt, &vc.UpdatedAt, &vc.SyncStatus)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO video_configs (id, name, camera_config_id, recipe_id, cross_section_id, cross_section_wl_id,
		   sample_video_id, reference_water_level, remote_id, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		vc.ID, vc.Name, vc.CameraConfigID, vc.RecipeID, vc.CrossSectionID, vc.CrossSectionWLID,
		vc.SampleVideoID, vc.ReferenceWaterLevel, vc.RemoteID, vc.SyncStatus, vc.CreatedAt, vc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create video config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVideoConfig(ctx context.Context, id uuid.UUID) (*models.VideoConfig, error) {
	var vc models.VideoConfig
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, camera_config_id, recipe_id, cross_section_id, cross_section_wl_id,
		   sample_video_id, reference_water_level, remote_id, sync_status, created_at, updated_at
		 FROM video_configs WHERE id = $1`, id,
	).Scan(&vc.ID, &vc.Name, &vc.CameraConfigID, &vc.RecipeID, &vc.CrossSectionID, &vc.CrossSectionWLID,
		&vc.SampleVideoID, &vc.ReferenceWaterLevel, &vc.RemoteID, &vc.SyncStatus, &vc.CreatedAt, &vc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video config: %w", err)
	}
	return &vc, nil
}

// --- Time series ---

const timeSeriesColumns = `t.id, t.timestamp, t.h, t.q_05, t.q_25, t.q_50, t.q_75, t.q_95,
	t.wetted_surface, t.wetted_perimeter, t.fraction_velocimetry, t.remote_id, t.sync_status, t.created_at, t.updated_at`

func scanTimeSeries(row pgx.Row) (*models.TimeSeries, error) {
	var ts models.TimeSeries
	err := row.Scan(&ts.ID, &ts.Timestamp, &ts.H, &ts.Q05, &ts.Q25, &ts.Q50, &ts.Q75, &ts.Q95,
		&ts.WettedSurface, &ts.WettedPerimeter, &ts.FractionVelocimetry, &ts.RemoteID, &ts.SyncStatus,
		&ts.CreatedAt, &ts.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (s *PostgresStore) CreateTimeSeries(ctx context.Context, ts *models.TimeSeries) error {
	stampNew(&ts.CreatedAt, &ts.UpdatedAt, &ts.SyncStatus)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO time_series (id, timestamp, h, q_05, q_25, q_50, q_75, q_95, wetted_surface, wetted_perimeter,
		   fraction_velocimetry, remote_id, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ts.ID, ts.Timestamp, ts.H, ts.Q05, ts.Q25, ts.Q50, ts.Q75, ts.Q95, ts.WettedSurface, ts.WettedPerimeter,
		ts.FractionVelocimetry, ts.RemoteID, ts.SyncStatus, ts.CreatedAt, ts.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create time series: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTimeSeries(ctx context.Context, id uuid.UUID) (*models.TimeSeries, error) {
	ts, err := scanTimeSeries(s.pool.QueryRow(ctx,
		`SELECT `+timeSeriesColumns+` FROM time_series t WHERE t.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get time series: %w", err)
	}
	return ts, nil
}

func (s *PostgresStore) UpdateTimeSeries(ctx context.Context, ts *models.TimeSeries) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE time_series SET h = $2, q_05 = $3, q_25 = $4, q_50 = $5, q_75 = $6, q_95 = $7,
		   wetted_surface = $8, wetted_perimeter = $9, fraction_velocimetry = $10, updated_at = NOW(),
		   `+localEdit+`
		 WHERE id = $1
		 RETURNING sync_status, updated_at`,
		ts.ID, ts.H, ts.Q05, ts.Q25, ts.Q50, ts.Q75, ts.Q95, ts.WettedSurface, ts.WettedPerimeter, ts.FractionVelocimetry,
	).Scan(&ts.SyncStatus, &ts.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update time series: %w", err)
	}
	return nil
}

// --- Videos ---

const videoColumns = `v.id, v.timestamp, v.file, v.image, v.thumbnail, v.status, v.error_message,
	v.video_config_id, v.time_series_id, v.remote_id, v.sync_status, v.created_at, v.updated_at`

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.Timestamp, &v.File, &v.Image, &v.Thumbnail, &v.Status, &v.ErrorMessage,
		&v.VideoConfigID, &v.TimeSeriesID, &v.RemoteID, &v.SyncStatus, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) CreateVideo(ctx context.Context, v *models.Video) error {
	stampNew(&v.CreatedAt, &v.UpdatedAt, &v.SyncStatus)
	if v.Status == "" {
		v.Status = models.VideoStatusNew
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO videos (id, timestamp, file, image, thumbnail, status, error_message, video_config_id,
		   time_series_id, remote_id, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.Timestamp, v.File, v.Image, v.Thumbnail, v.Status, v.ErrorMessage, v.VideoConfigID,
		v.TimeSeriesID, v.RemoteID, v.SyncStatus, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create video: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos v WHERE v.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) ListVideos(ctx context.Context, filter VideoFilter) ([]*models.Video, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("v.status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.SyncStatus != "" {
		conditions = append(conditions, fmt.Sprintf("v.sync_status = $%d", argIdx))
		args = append(args, filter.SyncStatus)
		argIdx++
	}

	query := `SELECT ` + videoColumns + ` FROM videos v WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY v.timestamp ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// UpdateVideoStatus validates the transition against the stored status inside
// a row lock, so two concurrent submitters cannot both move a video to queued.
func (s *PostgresStore) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, opts ...VideoUpdateOption) (*models.Video, error) {
	params := &videoUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var updated *models.Video
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.VideoStatus
		err := tx.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get video status: %w", err)
		}

		if err := lifecycle.CheckVideoTransition(current, status, params.Rerun); err != nil {
			return err
		}

		query := `UPDATE videos SET status = $2, updated_at = NOW()`
		args := []any{id, status}
		argIdx := 3

		if params.ErrorMessage != nil {
			query += fmt.Sprintf(", error_message = $%d", argIdx)
			args = append(args, *params.ErrorMessage)
			argIdx++
		} else if status == models.VideoStatusQueued {
			query += ", error_message = NULL"
		}
		if params.Image != nil {
			query += fmt.Sprintf(", image = $%d", argIdx)
			args = append(args, *params.Image)
			argIdx++
		}
		if params.Thumbnail != nil {
			query += fmt.Sprintf(", thumbnail = $%d", argIdx)
			args = append(args, *params.Thumbnail)
			argIdx++
		}
		if params.TimeSeriesID != nil {
			query += fmt.Sprintf(", time_series_id = $%d", argIdx)
			args = append(args, *params.TimeSeriesID)
			argIdx++
		}
		if changesResults(status) {
			query += ", " + localEdit
		}

		query += " WHERE id = $1 RETURNING " + strings.ReplaceAll(videoColumns, "v.", "")

		updated, err = scanVideo(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("update video status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) LinkVideoTimeSeries(ctx context.Context, videoID, timeSeriesID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE videos SET time_series_id = $2, updated_at = NOW(),
		   `+localEdit+`
		 WHERE id = $1`, videoID, timeSeriesID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("link video time series: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Closest match ---

func (s *PostgresStore) ClosestTimeSeries(ctx context.Context, t time.Time, maxDelta time.Duration) (match.Result[models.TimeSeries], error) {
	const unlinked = `NOT EXISTS (SELECT 1 FROM videos v WHERE v.time_series_id = t.id)`

	before, err := scanTimeSeries(s.pool.QueryRow(ctx,
		`SELECT `+timeSeriesColumns+` FROM time_series t
		 WHERE t.timestamp <= $1 AND `+unlinked+` ORDER BY t.timestamp DESC LIMIT 1`, t))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return match.NotFound[models.TimeSeries](), fmt.Errorf("time series before: %w", err)
	}
	after, err := scanTimeSeries(s.pool.QueryRow(ctx,
		`SELECT `+timeSeriesColumns+` FROM time_series t
		 WHERE t.timestamp > $1 AND `+unlinked+` ORDER BY t.timestamp ASC LIMIT 1`, t))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return match.NotFound[models.TimeSeries](), fmt.Errorf("time series after: %w", err)
	}

	return match.Choose(t, before, after, timeSeriesTime, maxDelta), nil
}

func (s *PostgresStore) ClosestUnlinkedVideo(ctx context.Context, t time.Time, maxDelta time.Duration) (match.Result[models.Video], error) {
	before, err := scanVideo(s.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos v
		 WHERE v.timestamp <= $1 AND v.time_series_id IS NULL ORDER BY v.timestamp DESC LIMIT 1`, t))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return match.NotFound[models.Video](), fmt.Errorf("video before: %w", err)
	}
	after, err := scanVideo(s.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos v
		 WHERE v.timestamp > $1 AND v.time_series_id IS NULL ORDER BY v.timestamp ASC LIMIT 1`, t))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return match.NotFound[models.Video](), fmt.Errorf("video after: %w", err)
	}

	return match.Choose(t, before, after, videoTime, maxDelta), nil
}

// --- Sync status ---

func (s *PostgresStore) ClaimSync(ctx context.Context, kind models.EntityKind, id uuid.UUID) (models.SyncStatus, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}

	var prev models.SyncStatus
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT sync_status FROM `+table+` WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s sync status: %w", kind, err)
		}
		if prev == models.SyncStatusQueued {
			return ErrAlreadyQueued
		}
		if err := lifecycle.CheckSyncTransition(prev, models.SyncStatusQueued); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE `+table+` SET sync_status = $2, sync_stale = FALSE WHERE id = $1`, id, models.SyncStatusQueued)
		if err != nil {
			return fmt.Errorf("claim %s sync: %w", kind, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

func (s *PostgresStore) SetSyncStatus(ctx context.Context, kind models.EntityKind, id uuid.UUID, status models.SyncStatus, remoteID *int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.SyncStatus
		var stale bool
		err := tx.QueryRow(ctx, `SELECT sync_status, sync_stale FROM `+table+` WHERE id = $1 FOR UPDATE`, id).
			Scan(&current, &stale)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s sync status: %w", kind, err)
		}
		status := lifecycle.SettleSync(status, stale)
		if err := lifecycle.CheckSyncTransition(current, status); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE `+table+` SET sync_status = $2, sync_stale = FALSE, remote_id = COALESCE($3, remote_id) WHERE id = $1`,
			id, status, remoteID)
		if err != nil {
			return fmt.Errorf("set %s sync status: %w", kind, err)
		}
		return nil
	})
}

func (s *PostgresStore) ReleaseSyncClaims(ctx context.Context, kind models.EntityKind) ([]uuid.UUID, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE `+table+` SET sync_stale = FALSE,
		   sync_status = CASE WHEN remote_id IS NULL THEN 'local' ELSE 'updated' END
		 WHERE sync_status = 'queued'
		 RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("release %s sync claims: %w", kind, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("release %s sync claims: %w", kind, err)
	}
	return ids, nil
}

// --- Callback URL ---

func (s *PostgresStore) GetCallbackURL(ctx context.Context) (*models.CallbackURL, error) {
	var cb models.CallbackURL
	var retryMS int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, remote_site_id, token_access, token_refresh, token_expiration, retry_timeout_ms,
		   created_at, updated_at
		 FROM callback_urls ORDER BY created_at DESC LIMIT 1`,
	).Scan(&cb.ID, &cb.URL, &cb.RemoteSiteID, &cb.TokenAccess, &cb.TokenRefresh, &cb.TokenExpiration,
		&retryMS, &cb.CreatedAt, &cb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get callback url: %w", err)
	}
	cb.RetryTimeout = time.Duration(retryMS) * time.Millisecond
	return &cb, nil
}

// SaveCallbackURL replaces the registered endpoint. A station has at most one.
func (s *PostgresStore) SaveCallbackURL(ctx context.Context, cb *models.CallbackURL) error {
	now := time.Now().UTC()
	if cb.ID == uuid.Nil {
		cb.ID = uuid.New()
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM callback_urls WHERE id <> $1`, cb.ID); err != nil {
			return fmt.Errorf("clear callback urls: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO callback_urls (id, url, remote_site_id, token_access, token_refresh, token_expiration,
			   retry_timeout_ms, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			   url = EXCLUDED.url,
			   remote_site_id = EXCLUDED.remote_site_id,
			   token_access = EXCLUDED.token_access,
			   token_refresh = EXCLUDED.token_refresh,
			   token_expiration = EXCLUDED.token_expiration,
			   retry_timeout_ms = EXCLUDED.retry_timeout_ms,
			   updated_at = EXCLUDED.updated_at`,
			cb.ID, cb.URL, cb.RemoteSiteID, cb.TokenAccess, cb.TokenRefresh, cb.TokenExpiration,
			cb.RetryTimeout.Milliseconds(), cb.CreatedAt, cb.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save callback url: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) SaveTokens(ctx context.Context, access, refresh string, expiration time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE callback_urls SET token_access = $1, token_refresh = $2, token_expiration = $3, updated_at = NOW()`,
		access, refresh, expiration)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// stampNew fills creation defaults on a new entity.
func stampNew(created, updated *time.Time, status *models.SyncStatus) {
	if created.IsZero() {
		*created = time.Now().UTC()
	}
	*updated = *created
	if *status == "" {
		*status = models.SyncStatusLocal
	}
}

func timeSeriesTime(ts models.TimeSeries) time.Time { return ts.Timestamp }

func videoTime(v models.Video) time.Time { return v.Timestamp }

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
