// Package main is the entrypoint for the station daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverstation/stationd/internal/analysis"
	"github.com/riverstation/stationd/internal/api"
	"github.com/riverstation/stationd/internal/api/handler"
	mw "github.com/riverstation/stationd/internal/api/middleware"
	"github.com/riverstation/stationd/internal/cache"
	"github.com/riverstation/stationd/internal/config"
	"github.com/riverstation/stationd/internal/device"
	"github.com/riverstation/stationd/internal/executor"
	"github.com/riverstation/stationd/internal/jobs"
	"github.com/riverstation/stationd/internal/remote"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("station failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	})))
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Executor.Workers,
		"shutdown_after_task", cfg.Device.ShutdownAfterTask)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)
	if err := ensureAdminKey(ctx, pgStore, cfg.Server.AdminKey); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 5. Collaborators of the job service
	analyzer, err := analysis.NewSubprocessAnalyzer(cfg.Analysis.Command, cfg.Analysis.WorkDir,
		cfg.Analysis.Timeout, slog.Default())
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}

	var power device.PowerManager
	if cfg.Device.ShutdownAfterTask {
		cmd, err := device.NewCommandPowerManager(cfg.Device.PowerOffCommand)
		if err != nil {
			return fmt.Errorf("create power manager: %w", err)
		}
		power = cmd
	}
	dev := device.NewController(power, cfg.Device.ShutdownAfterTask,
		device.WithGracePeriod(cfg.Device.GracePeriod))

	client := remote.NewClient(pgStore,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.RequestTimeout}),
		remote.WithRetryDelay(cfg.Remote.RetryDelay),
		remote.WithRetryBudget(cfg.Remote.RetryBudget),
		remote.WithTokenLifetime(cfg.Remote.TokenLifetime),
	)
	syncer := remote.NewSyncer(client, pgStore, remote.WithUploadDir(cfg.Analysis.UploadDir))

	// 6. Start the executor and restore work left over from the last run
	exec := executor.New(cfg.Executor.Workers, executor.WithPollInterval(cfg.Executor.PollInterval))

	svc := jobs.NewService(pgStore, redisCache, exec, analyzer, syncer, dev, jobs.Config{
		ProcessPriority: cfg.Executor.ProcessPriority,
		SyncPriority:    cfg.Executor.SyncPriority,
		AllowedDelta:    cfg.Matching.AllowedDelta,
		JobStatusTTL:    cfg.Redis.JobStatusTTL,
		SyncFile:        cfg.Remote.SyncFile,
		SyncImage:       cfg.Remote.SyncImage,
		UploadDir:       cfg.Analysis.UploadDir,
	}, slog.Default())

	report, err := svc.Reconcile(ctx)
	if err != nil {
		exec.Shutdown(false, true)
		return fmt.Errorf("reconcile: %w", err)
	}
	slog.Info("startup reconciliation done",
		"requeued", report.Requeued, "interrupted", report.Interrupted,
		"released", report.Released, "resynced", report.Resynced)

	// 7. Build router with dependencies
	router := newRouter(pgStore, redisCache, exec, svc, client, cfg.Server.RequestsPerMinute)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}

	// Queued processing stays QUEUED in the database and is resubmitted by
	// the next start; queued syncs give back their claim. Running tasks are
	// allowed to finish.
	slog.Info("stopping executor", "pending", exec.Pending())
	exec.Shutdown(true, true)
	svc.Wait()

	if serveErr != nil {
		return serveErr
	}
	slog.Info("station stopped gracefully")
	return nil
}

// newRouter wires every handler to its dependencies.
func newRouter(st store.Store, c cache.Cache, exec *executor.Executor, svc *jobs.Service,
	login handler.Authenticator, requestsPerMinute int) http.Handler {
	auth := mw.NewAuth(st)

	return api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(c, requestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(st, c, exec),
		MetricsHandler: promhttp.Handler(),

		IngestVideo: handler.NewIngestVideoHandler(svc, svc),
		ListVideos:  handler.NewListVideosHandler(st),
		GetVideo:    handler.NewGetVideoHandler(st),
		RunVideo:    handler.NewRunVideoHandler(svc, false),
		RerunVideo:  handler.NewRunVideoHandler(svc, true),
		SyncVideo:   handler.NewSyncHandler(svc, models.KindVideo, "videoID"),
		SyncEntity:  handler.NewSyncHandler(svc, "", "id"),
		IngestLevel: handler.NewIngestTimeSeriesHandler(svc),
		JobStatus:   handler.NewJobStatusHandler(svc),

		CreateRecipe:       handler.NewCreateRecipeHandler(st),
		GetRecipe:          handler.NewGetHandler(st.GetRecipe),
		UpdateRecipe:       handler.NewUpdateRecipeHandler(st),
		CreateCrossSection: handler.NewCreateCrossSectionHandler(st),
		GetCrossSection:    handler.NewGetHandler(st.GetCrossSection),
		CreateCameraConfig: handler.NewCreateCameraConfigHandler(st),
		GetCameraConfig:    handler.NewGetHandler(st.GetCameraConfig),
		CreateVideoConfig:  handler.NewCreateVideoConfigHandler(st),
		GetVideoConfig:     handler.NewGetHandler(st.GetVideoConfig),

		RegisterCallback: handler.NewRegisterCallbackHandler(login, st),
		GetCallback:      handler.NewGetCallbackHandler(st),
		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})
}

// ensureAdminKey registers raw as an admin key when no API key exists yet.
func ensureAdminKey(ctx context.Context, st store.Store, raw string) error {
	if raw == "" {
		return nil
	}
	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return nil
	}
	key, _, err := handler.KeyFromRaw("bootstrap", raw, []string{"read", "write", "admin"})
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key registered", "key_prefix", key.KeyPrefix)
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
