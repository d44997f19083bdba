// Command server runs the game telemetry and leaderboard backend: it
// validates telemetry from untrusted clients, finalises runs, and keeps the
// per-level and global leaderboards ranked.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parallelport/server/internal/archive"
	"parallelport/server/internal/auth"
	"parallelport/server/internal/config"
	httpapi "parallelport/server/internal/http"
	"parallelport/server/internal/ingress"
	"parallelport/server/internal/leaderboard"
	"parallelport/server/internal/logging"
	"parallelport/server/internal/progress"
	"parallelport/server/internal/registry"
	"parallelport/server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logger initialisation failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	db, err := store.New(cfg.StorePath)
	if err != nil {
		logger.Fatal("store initialisation failed",
			logging.String("path", cfg.StorePath), logging.Error(err))
	}
	defer db.Close()

	verifier, err := auth.NewEventVerifier(cfg.TelemetrySecret)
	if err != nil {
		logger.Fatal("telemetry verifier initialisation failed", logging.Error(err))
	}
	sessions := auth.NewSessions()

	var auditor *archive.Writer
	if cfg.ArchiveDir != "" {
		auditor, err = archive.NewWriter(cfg.ArchiveDir, time.Now)
		if err != nil {
			logger.Fatal("archive initialisation failed",
				logging.String("dir", cfg.ArchiveDir), logging.Error(err))
		}
		defer auditor.Close()
		logger.Info("session archive enabled", logging.String("dir", auditor.Directory()))
	}

	pipelineOpts := []leaderboard.PipelineOption{leaderboard.WithPipelineLogger(logger)}
	if auditor != nil {
		pipelineOpts = append(pipelineOpts, leaderboard.WithSnapshotter(auditor))
	}
	boards := leaderboard.NewPipeline(db, db, cfg.LevelCount, pipelineOpts...)

	recorder := progress.NewRecorder(db, boards, progress.WithRecorderLogger(logger))

	registryOpts := []registry.Option{registry.WithLogger(logger)}
	if auditor != nil {
		registryOpts = append(registryOpts, registry.WithArchiver(auditor))
	}
	sessionRegistry := registry.New(recorder, registryOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := boards.WarmViews(ctx); err != nil {
		logger.Warn("leaderboard view warm-up incomplete", logging.Error(err))
	}

	go sessionRegistry.Run(ctx, cfg.SweepInterval)
	go boards.RunLevelLoop(ctx, cfg.RankInterval, cfg.RankRetryBackoff)
	go boards.RunGlobalLoop(ctx, cfg.GlobalRankInterval, cfg.RankRetryBackoff)

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Users:        db,
		Sessions:     sessions,
		Verifier:     verifier,
		Registry:     sessionRegistry,
		Views:        boards.Views(),
		LevelCount:   cfg.LevelCount,
		LoginLimiter: httpapi.NewKeyedLimiter(cfg.LoginWindow, cfg.LoginBurst, time.Now),
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/ws/telemetry", ingress.NewHandler(sessionRegistry, verifier, logger))

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("game server listening", logging.String("addr", cfg.Address))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server terminated", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
	}

	// Finalise whatever the sweeps have not reached yet before exiting.
	sessionRegistry.Sweep(context.Background())
	logger.Info("game server stopped")
}
