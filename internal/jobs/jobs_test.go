package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/analysis"
	"github.com/riverstation/stationd/internal/analysis/mock"
	"github.com/riverstation/stationd/internal/cache"
	"github.com/riverstation/stationd/internal/device"
	"github.com/riverstation/stationd/internal/executor"
	"github.com/riverstation/stationd/internal/jobs"
	"github.com/riverstation/stationd/internal/remote"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

type syncCall struct {
	Kind models.EntityKind
	ID   uuid.UUID
	Opts remote.Options
}

// fakeSyncer marks entities synced without talking to a server.
type fakeSyncer struct {
	st     *store.MemoryStore
	err    error
	events *eventLog

	mu    sync.Mutex
	calls []syncCall
}

func (f *fakeSyncer) Sync(ctx context.Context, kind models.EntityKind, id uuid.UUID, opts remote.Options) error {
	f.mu.Lock()
	f.calls = append(f.calls, syncCall{Kind: kind, ID: id, Opts: opts})
	f.mu.Unlock()
	f.events.add("sync")

	if !opts.Claimed {
		if _, err := f.st.ClaimSync(ctx, kind, id); err != nil {
			return err
		}
	}
	if f.err != nil {
		_ = f.st.SetSyncStatus(ctx, kind, id, models.SyncStatusFailed, nil)
		return f.err
	}
	return f.st.SetSyncStatus(ctx, kind, id, models.SyncStatusSynced, ptr(int64(7)))
}

func (f *fakeSyncer) recorded() []syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncCall(nil), f.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakePower struct {
	events *eventLog
	calls  atomic.Int32
}

func (p *fakePower) PowerOff(ctx context.Context) error {
	p.calls.Add(1)
	p.events.add("power_off")
	return nil
}

// countingAnalyzer wraps an analyzer and counts runs.
type countingAnalyzer struct {
	inner analysis.Analyzer
	runs  atomic.Int32
	last  atomic.Pointer[analysis.Request]
}

func (c *countingAnalyzer) Run(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	c.runs.Add(1)
	c.last.Store(&req)
	return c.inner.Run(ctx, req)
}

type env struct {
	svc      *jobs.Service
	st       *store.MemoryStore
	cache    *cache.MemoryCache
	exec     *executor.Executor
	syncer   *fakeSyncer
	power    *fakePower
	analyzer *countingAnalyzer
	events   *eventLog
}

type envOptions struct {
	deviceShutdown bool
	allowedDelta   time.Duration
	syncErr        error
	// remoteURL, when set, syncs through a real remote.Syncer against it
	// instead of the fake.
	remoteURL string
}

func newEnv(t *testing.T, a analysis.Analyzer, opts envOptions) *env {
	t.Helper()
	events := &eventLog{}
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	exec := executor.New(1, executor.WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { exec.Shutdown(true, true) })

	syncer := &fakeSyncer{st: st, err: opts.syncErr, events: events}
	power := &fakePower{events: events}
	dev := device.NewController(power, opts.deviceShutdown, device.WithGracePeriod(0))
	counting := &countingAnalyzer{inner: a}

	var svcSyncer jobs.Syncer = syncer
	if opts.remoteURL != "" {
		require.NoError(t, st.SaveCallbackURL(context.Background(), &models.CallbackURL{
			URL:             opts.remoteURL,
			RemoteSiteID:    ptr(int64(3)),
			TokenAccess:     "access",
			TokenRefresh:    "refresh",
			TokenExpiration: time.Now().Add(time.Hour),
		}))
		client := remote.NewClient(st,
			remote.WithRetryDelay(10*time.Millisecond),
			remote.WithRetryBudget(time.Second))
		svcSyncer = remote.NewSyncer(client, st)
	}

	svc := jobs.NewService(st, c, exec, counting, svcSyncer, dev, jobs.Config{
		ProcessPriority: 10,
		SyncPriority:    100,
		AllowedDelta:    opts.allowedDelta,
		JobStatusTTL:    time.Hour,
		SyncImage:       true,
	}, nil)

	return &env{svc: svc, st: st, cache: c, exec: exec, syncer: syncer, power: power, analyzer: counting, events: events}
}

type configOptions struct {
	opticalLevel bool
	sampleVideo  *uuid.UUID
	reference    *float64
}

func (e *env) seedConfig(t *testing.T, opts configOptions) *models.VideoConfig {
	t.Helper()
	ctx := context.Background()
	recipe := &models.Recipe{ID: uuid.New(), Name: "recipe", Data: json.RawMessage(`{"frames":{}}`)}
	require.NoError(t, e.st.CreateRecipe(ctx, recipe))
	cam := &models.CameraConfig{ID: uuid.New(), Name: "cam", Data: json.RawMessage(`{"height":1080}`)}
	require.NoError(t, e.st.CreateCameraConfig(ctx, cam))
	cs := &models.CrossSection{ID: uuid.New(), Name: "xs", Features: json.RawMessage(`{"type":"FeatureCollection"}`)}
	require.NoError(t, e.st.CreateCrossSection(ctx, cs))

	vc := &models.VideoConfig{
		ID:                  uuid.New(),
		Name:                "cfg",
		CameraConfigID:      cam.ID,
		RecipeID:            recipe.ID,
		CrossSectionID:      &cs.ID,
		SampleVideoID:       opts.sampleVideo,
		ReferenceWaterLevel: opts.reference,
	}
	if opts.opticalLevel {
		wl := &models.CrossSection{ID: uuid.New(), Name: "wl", Features: json.RawMessage(`{"type":"FeatureCollection","wl":true}`)}
		require.NoError(t, e.st.CreateCrossSection(ctx, wl))
		vc.CrossSectionWLID = &wl.ID
	}
	require.NoError(t, e.st.CreateVideoConfig(ctx, vc))
	return vc
}

// seedVideo creates a NEW video, linked to a time series with level h when h is set.
func (e *env) seedVideo(t *testing.T, cfg *models.VideoConfig, h *float64) *models.Video {
	t.Helper()
	ctx := context.Background()
	v := &models.Video{ID: uuid.New(), Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), File: "video.mp4"}
	if cfg != nil {
		v.VideoConfigID = &cfg.ID
	}
	if h != nil {
		ts := &models.TimeSeries{ID: uuid.New(), Timestamp: v.Timestamp, H: h}
		require.NoError(t, e.st.CreateTimeSeries(ctx, ts))
		v.TimeSeriesID = &ts.ID
	}
	require.NoError(t, e.st.CreateVideo(ctx, v))
	return v
}

func (e *env) waitJob(t *testing.T, jobID string) *models.JobInfo {
	t.Helper()
	var job *models.JobInfo
	require.Eventually(t, func() bool {
		j, err := e.svc.JobStatus(context.Background(), uuid.MustParse(jobID))
		if err != nil {
			return false
		}
		job = j
		return j.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func (e *env) video(t *testing.T, id uuid.UUID) *models.Video {
	t.Helper()
	v, err := e.st.GetVideo(context.Background(), id)
	require.NoError(t, err)
	return v
}

// --- ProcessWorkItem ---

func TestProcessWorkItem_Success(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.3))

	queued, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusQueued, queued.Status)
	assert.Equal(t, models.JobTypeProcess, job.Type)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, v.ID.String(), job.EntityID)

	done := e.waitJob(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)

	got := e.video(t, v.ID)
	assert.Equal(t, models.VideoStatusDone, got.Status)
	require.NotNil(t, got.TimeSeriesID)
	assert.Equal(t, *v.TimeSeriesID, *got.TimeSeriesID)

	ts, err := e.st.GetTimeSeries(context.Background(), *got.TimeSeriesID)
	require.NoError(t, err)
	assert.Equal(t, 1.3, *ts.H)
	assert.Equal(t, 1.6, *ts.Q50)

	req := e.analyzer.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, 1.3, *req.WaterLevel)
	assert.JSONEq(t, `{"height":1080}`, string(req.CameraConfig))
	assert.Empty(t, req.CrossSectionWL)
}

func TestProcessWorkItem_AlreadyQueued(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, mock.NewBlockingAnalyzer(release), envOptions{})
	t.Cleanup(func() { close(release) })
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))
	ctx := context.Background()

	_, _, err := e.svc.ProcessWorkItem(ctx, v.ID)
	require.NoError(t, err)

	_, _, err = e.svc.ProcessWorkItem(ctx, v.ID)
	require.ErrorIs(t, err, jobs.ErrIneligible)
	var inel *jobs.IneligibleError
	require.ErrorAs(t, err, &inel)
	assert.Equal(t, v.ID, inel.VideoID)
	assert.Contains(t, inel.Reason, "already")

	// Only the first submission ever reached the executor.
	require.Eventually(t, func() bool { return e.analyzer.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.exec.Pending())
}

func TestProcessWorkItem_NoWaterLevel(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, nil)

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.ErrorIs(t, err, jobs.ErrIneligible)
	assert.Contains(t, err.Error(), "no water level")
	assert.Nil(t, job)
	assert.Equal(t, models.VideoStatusNew, e.video(t, v.ID).Status)
}

func TestProcessWorkItem_NoConfig(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	v := e.seedVideo(t, nil, ptr(1.0))

	_, _, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.ErrorIs(t, err, jobs.ErrIneligible)
	assert.Contains(t, err.Error(), "video config")
}

func TestProcessWorkItem_NotFound(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	_, _, err := e.svc.ProcessWorkItem(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessWorkItem_OpticalWaterLevel(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	cfg := e.seedConfig(t, configOptions{opticalLevel: true})
	v := e.seedVideo(t, cfg, nil)

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)

	req := e.analyzer.last.Load()
	assert.Nil(t, req.WaterLevel)
	assert.JSONEq(t, `{"type":"FeatureCollection","wl":true}`, string(req.CrossSectionWL))

	got := e.video(t, v.ID)
	require.NotNil(t, got.TimeSeriesID, "a time series is created for the estimate")
	ts, err := e.st.GetTimeSeries(context.Background(), *got.TimeSeriesID)
	require.NoError(t, err)
	assert.True(t, ts.Timestamp.Equal(v.Timestamp))
	assert.Equal(t, 0.85, *ts.H)
}

func TestProcessWorkItem_SampleVideoUsesReferenceLevel(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	sampleID := uuid.New()
	cfg := e.seedConfig(t, configOptions{sampleVideo: &sampleID, reference: ptr(0.7)})

	v := &models.Video{ID: sampleID, Timestamp: time.Now().UTC(), File: "sample.mp4", VideoConfigID: &cfg.ID}
	require.NoError(t, e.st.CreateVideo(context.Background(), v))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)
	assert.Equal(t, 0.7, *e.analyzer.last.Load().WaterLevel)
}

func TestProcessWorkItem_AnalysisFailure(t *testing.T) {
	perr := &analysis.ProcessingError{ExitCode: 2, Stderr: "no particles tracked"}
	e := newEnv(t, mock.NewFailingAnalyzer(perr), envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)

	done := e.waitJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "no particles tracked")

	got := e.video(t, v.ID)
	assert.Equal(t, models.VideoStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "status 2")
}

func TestProcessWorkItem_DoneNeedsRerun(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))
	ctx := context.Background()

	_, job, err := e.svc.ProcessWorkItem(ctx, v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)

	_, _, err = e.svc.ProcessWorkItem(ctx, v.ID)
	require.ErrorIs(t, err, jobs.ErrIneligible)

	_, job, err = e.svc.RerunWorkItem(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)
	assert.Equal(t, int32(2), e.analyzer.runs.Load())
	assert.Equal(t, models.VideoStatusDone, e.video(t, v.ID).Status)
}

func TestRerunWorkItem_ClearsErrorMessage(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	a := &mock.MockAnalyzer{RunFunc: func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		if fail.Load() {
			return nil, errors.New("camera out of focus")
		}
		return &analysis.Result{H: req.WaterLevel}, nil
	}}
	e := newEnv(t, a, envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))
	ctx := context.Background()

	_, job, err := e.svc.ProcessWorkItem(ctx, v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)
	require.NotNil(t, e.video(t, v.ID).ErrorMessage)

	fail.Store(false)
	queued, job, err := e.svc.RerunWorkItem(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, queued.ErrorMessage)
	e.waitJob(t, job.ID)
	assert.Equal(t, models.VideoStatusDone, e.video(t, v.ID).Status)
}

func TestProcess_WritesThumbnail(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "result.png")
	a := &mock.MockAnalyzer{RunFunc: func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		if err := imaging.Save(imaging.New(1280, 720, color.White), image); err != nil {
			return nil, err
		}
		return &analysis.Result{H: req.WaterLevel, Image: image}, nil
	}}
	e := newEnv(t, a, envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)

	got := e.video(t, v.ID)
	assert.Equal(t, image, got.Image)
	assert.Equal(t, filepath.Join(dir, "result_thumb.jpg"), got.Thumbnail)

	thumb, err := imaging.Open(got.Thumbnail)
	require.NoError(t, err)
	assert.LessOrEqual(t, thumb.Bounds().Dx(), 320)
	assert.LessOrEqual(t, thumb.Bounds().Dy(), 240)
}

func TestProcess_MissingImageSkipsThumbnail(t *testing.T) {
	a := &mock.MockAnalyzer{RunFunc: func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		return &analysis.Result{H: req.WaterLevel, Image: filepath.Join(t.TempDir(), "missing.jpg")}, nil
	}}
	e := newEnv(t, a, envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)
	assert.Empty(t, e.video(t, v.ID).Thumbnail)
}

// --- Sync after processing ---

func registerSite(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	require.NoError(t, st.SaveCallbackURL(context.Background(), &models.CallbackURL{
		URL:          "https://remote.example.org/api",
		RemoteSiteID: ptr(int64(3)),
	}))
}

func TestProcess_QueuesSyncWhenSiteRegistered(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	registerSite(t, e.st)
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)

	require.Eventually(t, func() bool { return len(e.syncer.recorded()) == 1 }, 2*time.Second, 5*time.Millisecond)
	call := e.syncer.recorded()[0]
	assert.Equal(t, models.KindVideo, call.Kind)
	assert.Equal(t, v.ID, call.ID)
	assert.True(t, call.Opts.Claimed)
	assert.True(t, call.Opts.Image)
	assert.False(t, call.Opts.File)

	require.Eventually(t, func() bool { return e.video(t, v.ID).IsSynced() }, 2*time.Second, 5*time.Millisecond)
}

func TestProcess_NoSyncWithoutSite(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	require.NoError(t, e.st.SaveCallbackURL(context.Background(), &models.CallbackURL{URL: "https://remote.example.org"}))
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)

	assert.Empty(t, e.syncer.recorded())
	assert.Equal(t, models.SyncStatusLocal, e.video(t, v.ID).SyncStatus)
}

func TestProcess_SyncFailureKeepsDone(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{syncErr: errors.New("remote rejected")})
	registerSite(t, e.st)
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)

	require.Eventually(t, func() bool {
		return e.video(t, v.ID).SyncStatus == models.SyncStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.VideoStatusDone, e.video(t, v.ID).Status)
}

// --- Device shutdown ---

func TestProcess_DeviceShutdownAfterInlineSync(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{deviceShutdown: true})
	registerSite(t, e.st)
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)
	e.waitJob(t, job.ID)

	assert.Equal(t, []string{"sync", "power_off"}, e.events.list())
	calls := e.syncer.recorded()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Opts.Claimed, "inline sync claims the video itself")
	assert.True(t, e.video(t, v.ID).IsSynced())
}

func TestProcess_DeviceShutdownAfterFailure(t *testing.T) {
	e := newEnv(t, mock.NewFailingAnalyzer(&analysis.ProcessingError{ExitCode: 1}), envOptions{deviceShutdown: true})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))

	_, job, err := e.svc.ProcessWorkItem(context.Background(), v.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusFailed, e.waitJob(t, job.ID).Status)
	assert.Equal(t, int32(1), e.power.calls.Load())
	assert.Equal(t, models.VideoStatusError, e.video(t, v.ID).Status)
}

// --- SyncWorkItem ---

func TestSyncWorkItem_Runs(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	v := e.seedVideo(t, nil, nil)

	job, err := e.svc.SyncWorkItem(context.Background(), models.KindVideo, v.ID, jobs.SyncRequest{Site: ptr(int64(9)), File: true})
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeSync, job.Type)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)

	calls := e.syncer.recorded()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Opts.Claimed)
	assert.Equal(t, models.SyncStatusLocal, calls[0].Opts.Previous)
	assert.Equal(t, int64(9), *calls[0].Opts.Site)
	assert.True(t, calls[0].Opts.File)
	assert.True(t, e.video(t, v.ID).IsSynced())
}

func TestSyncWorkItem_AlreadyQueued(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	v := e.seedVideo(t, nil, nil)
	ctx := context.Background()
	_, err := e.st.ClaimSync(ctx, models.KindVideo, v.ID)
	require.NoError(t, err)

	job, err := e.svc.SyncWorkItem(ctx, models.KindVideo, v.ID, jobs.SyncRequest{})
	assert.ErrorIs(t, err, jobs.ErrAlreadyQueued)
	assert.Nil(t, job)
	assert.Equal(t, 0, e.exec.Pending())
	assert.Empty(t, e.syncer.recorded())
}

func TestSyncWorkItem_Failure(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{syncErr: errors.New("403 forbidden")})
	ts := &models.TimeSeries{ID: uuid.New(), Timestamp: time.Now(), H: ptr(1.0)}
	require.NoError(t, e.st.CreateTimeSeries(context.Background(), ts))

	job, err := e.svc.SyncWorkItem(context.Background(), models.KindTimeSeries, ts.ID, jobs.SyncRequest{})
	require.NoError(t, err)

	done := e.waitJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, "403 forbidden", done.Error)
}

func TestSyncWorkItem_ExecutorShutdown(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	v := e.seedVideo(t, nil, nil)
	e.exec.Shutdown(true, true)

	_, err := e.svc.SyncWorkItem(context.Background(), models.KindVideo, v.ID, jobs.SyncRequest{})
	require.ErrorIs(t, err, executor.ErrShutdown)
	assert.Equal(t, models.SyncStatusLocal, e.video(t, v.ID).SyncStatus)
}

func TestSubmit_CancelledOnShutdown(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, mock.NewBlockingAnalyzer(release), envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	first := e.seedVideo(t, cfg, ptr(1.0))
	second := e.seedVideo(t, cfg, ptr(1.0))
	ctx := context.Background()

	_, _, err := e.svc.ProcessWorkItem(ctx, first.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.analyzer.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, job, err := e.svc.ProcessWorkItem(ctx, second.ID)
	require.NoError(t, err)

	e.exec.Shutdown(false, true)
	close(release)

	done := e.waitJob(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, done.Status)
	assert.Equal(t, int32(1), e.analyzer.runs.Load())
}

func TestSyncWorkItem_CancelledReleasesClaim(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, mock.NewBlockingAnalyzer(release), envOptions{})
	cfg := e.seedConfig(t, configOptions{})
	v := e.seedVideo(t, cfg, ptr(1.0))
	ctx := context.Background()

	_, _, err := e.svc.ProcessWorkItem(ctx, v.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.analyzer.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	job, err := e.svc.SyncWorkItem(ctx, models.KindRecipe, cfg.RecipeID, jobs.SyncRequest{})
	require.NoError(t, err)

	e.exec.Shutdown(false, true)
	close(release)
	e.svc.Wait()

	assert.Equal(t, models.JobStatusCancelled, e.waitJob(t, job.ID).Status)
	recipe, err := e.st.GetRecipe(ctx, cfg.RecipeID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusLocal, recipe.SyncStatus)
	assert.Empty(t, e.syncer.recorded())
}

// --- Ingestion ---

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func TestIngestVideo_LinksClosestTimeSeries(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	ctx := context.Background()
	early := &models.TimeSeries{ID: uuid.New(), Timestamp: at(9, 0), H: ptr(1.0)}
	late := &models.TimeSeries{ID: uuid.New(), Timestamp: at(13, 0), H: ptr(1.2)}
	require.NoError(t, e.st.CreateTimeSeries(ctx, early))
	require.NoError(t, e.st.CreateTimeSeries(ctx, late))

	v, err := e.svc.IngestVideo(ctx, &models.Video{Timestamp: at(11, 30), File: "a.mp4"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, v.ID)
	assert.Equal(t, models.VideoStatusNew, v.Status)
	require.NotNil(t, v.TimeSeriesID)
	assert.Equal(t, late.ID, *v.TimeSeriesID)

	// The 13:00 record is taken, so the next video falls back to 09:00.
	v2, err := e.svc.IngestVideo(ctx, &models.Video{Timestamp: at(12, 0), File: "b.mp4"})
	require.NoError(t, err)
	require.NotNil(t, v2.TimeSeriesID)
	assert.Equal(t, early.ID, *v2.TimeSeriesID)
}

func TestIngestVideo_OutsideAllowedDelta(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{allowedDelta: time.Hour})
	ctx := context.Background()
	require.NoError(t, e.st.CreateTimeSeries(ctx, &models.TimeSeries{ID: uuid.New(), Timestamp: at(9, 0), H: ptr(1.0)}))

	v, err := e.svc.IngestVideo(ctx, &models.Video{Timestamp: at(11, 0), File: "a.mp4"})
	require.NoError(t, err)
	assert.Nil(t, v.TimeSeriesID)
}

func TestIngestVideo_ExplicitTimeSeriesKept(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	ctx := context.Background()
	own := &models.TimeSeries{ID: uuid.New(), Timestamp: at(6, 0), H: ptr(0.4)}
	require.NoError(t, e.st.CreateTimeSeries(ctx, own))
	require.NoError(t, e.st.CreateTimeSeries(ctx, &models.TimeSeries{ID: uuid.New(), Timestamp: at(11, 0), H: ptr(1.0)}))

	v, err := e.svc.IngestVideo(ctx, &models.Video{Timestamp: at(11, 0), File: "a.mp4", TimeSeriesID: &own.ID})
	require.NoError(t, err)
	assert.Equal(t, own.ID, *v.TimeSeriesID)
}

func TestIngestTimeSeries_LinksClosestUnlinkedVideo(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	ctx := context.Background()
	linkedTS := &models.TimeSeries{ID: uuid.New(), Timestamp: at(10, 0)}
	require.NoError(t, e.st.CreateTimeSeries(ctx, linkedTS))
	taken := &models.Video{ID: uuid.New(), Timestamp: at(10, 5), TimeSeriesID: &linkedTS.ID}
	require.NoError(t, e.st.CreateVideo(ctx, taken))
	free := &models.Video{ID: uuid.New(), Timestamp: at(8, 0)}
	require.NoError(t, e.st.CreateVideo(ctx, free))

	ts, linked, err := e.svc.IngestTimeSeries(ctx, &models.TimeSeries{Timestamp: at(10, 0), H: ptr(1.1)})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ts.ID)
	require.NotNil(t, linked)
	assert.Equal(t, free.ID, linked.ID)
	assert.Equal(t, ts.ID, *linked.TimeSeriesID)
}

func TestIngestTimeSeries_NoVideo(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	ts, linked, err := e.svc.IngestTimeSeries(context.Background(), &models.TimeSeries{Timestamp: at(10, 0), H: ptr(1.1)})
	require.NoError(t, err)
	assert.NotNil(t, ts)
	assert.Nil(t, linked)
}

// --- Reconcile ---

func TestReconcile(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	ctx := context.Background()
	cfg := e.seedConfig(t, configOptions{})

	queued := e.seedVideo(t, cfg, ptr(1.0))
	_, err := e.st.UpdateVideoStatus(ctx, queued.ID, models.VideoStatusQueued)
	require.NoError(t, err)

	running := e.seedVideo(t, cfg, ptr(1.0))
	_, err = e.st.UpdateVideoStatus(ctx, running.ID, models.VideoStatusQueued)
	require.NoError(t, err)
	_, err = e.st.UpdateVideoStatus(ctx, running.ID, models.VideoStatusProcessing)
	require.NoError(t, err)

	syncing := e.seedVideo(t, nil, nil)
	_, err = e.st.ClaimSync(ctx, models.KindVideo, syncing.ID)
	require.NoError(t, err)

	report, err := e.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.ReconcileReport{Requeued: 1, Interrupted: 1, Resynced: 1}, report)

	got := e.video(t, running.ID)
	assert.Equal(t, models.VideoStatusError, got.Status)
	assert.Equal(t, "interrupted by restart", *got.ErrorMessage)

	require.Eventually(t, func() bool {
		return e.video(t, queued.ID).Status == models.VideoStatusDone
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return e.video(t, syncing.ID).IsSynced()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), e.analyzer.runs.Load(), "interrupted videos are not rerun")
}

// fakeRemote accepts every create and records the request paths.
type fakeRemote struct {
	mu     sync.Mutex
	paths  []string
	nextID int64
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

func (f *fakeRemote) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func TestReconcile_ReleasesDependencyClaims(t *testing.T) {
	rem := &fakeRemote{}
	srv := httptest.NewServer(rem)
	t.Cleanup(srv.Close)

	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{remoteURL: srv.URL})
	ctx := context.Background()
	cfg := e.seedConfig(t, configOptions{})

	// A recipe sync that never ran before the last shutdown.
	_, err := e.st.ClaimSync(ctx, models.KindRecipe, cfg.RecipeID)
	require.NoError(t, err)

	report, err := e.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.ReconcileReport{Released: 1}, report)

	job, err := e.svc.SyncWorkItem(ctx, models.KindVideoConfig, cfg.ID, jobs.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)

	vc, err := e.st.GetVideoConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, vc.IsSynced())
	recipe, err := e.st.GetRecipe(ctx, cfg.RecipeID)
	require.NoError(t, err)
	assert.True(t, recipe.IsSynced())
	assert.Equal(t, []string{
		"POST /recipe/",
		"POST /cross_section/",
		"POST /site/3/video_config/",
	}, rem.recorded())
}

func TestReconcile_ReleasedRecipeCanBeSyncedDirectly(t *testing.T) {
	rem := &fakeRemote{}
	srv := httptest.NewServer(rem)
	t.Cleanup(srv.Close)

	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{remoteURL: srv.URL})
	ctx := context.Background()
	cfg := e.seedConfig(t, configOptions{})
	_, err := e.st.ClaimSync(ctx, models.KindRecipe, cfg.RecipeID)
	require.NoError(t, err)

	_, err = e.svc.SyncWorkItem(ctx, models.KindRecipe, cfg.RecipeID, jobs.SyncRequest{})
	require.ErrorIs(t, err, jobs.ErrAlreadyQueued)

	_, err = e.svc.Reconcile(ctx)
	require.NoError(t, err)

	job, err := e.svc.SyncWorkItem(ctx, models.KindRecipe, cfg.RecipeID, jobs.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, e.waitJob(t, job.ID).Status)
	assert.Equal(t, []string{"POST /recipe/"}, rem.recorded())
}

// --- JobStatus ---

func TestJobStatus_NotFound(t *testing.T) {
	e := newEnv(t, mock.NewMockAnalyzer(), envOptions{})
	_, err := e.svc.JobStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}
