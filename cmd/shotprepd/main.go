package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aurelia-labs/shotprep/internal/app"
	"github.com/aurelia-labs/shotprep/internal/common"
	"github.com/aurelia-labs/shotprep/internal/history"
	"github.com/aurelia-labs/shotprep/internal/job"
	"github.com/aurelia-labs/shotprep/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist, err := history.Open(cfg.Job.HistoryPath, logger)
	if err != nil {
		logger.Error("failed to open history db", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = hist.Close()
	}()

	// Each run gets a freshly wired driver; the resource manager keeps the
	// exclusive-residency invariant inside one run, and the manager below
	// keeps runs from overlapping.
	factory := func(datasetPath, outRoot, profile string) (*job.Driver, func(), error) {
		return app.BuildDriver(context.Background(), cfg, hist, datasetPath, outRoot, profile, logger)
	}
	mgr := server.NewManager(factory, logger)

	router := server.NewRouter(mgr, hist, cfg.Server.OutRoot, cfg.Quality.Profile, logger)

	// Optional scheduled runs against the configured dataset.
	var sched *cron.Cron
	if cfg.Server.CronSpec != "" && cfg.Server.Dataset != "" {
		sched = cron.New()
		_, err := sched.AddFunc(cfg.Server.CronSpec, func() {
			runID, err := mgr.Start(cfg.Server.Dataset, cfg.Server.OutRoot, cfg.Quality.Profile)
			if err != nil {
				logger.Warn("sched.run.skipped", "error", err)
				return
			}
			logger.Info("sched.run.started", "run_id", runID, "dataset", cfg.Server.Dataset)
		})
		if err != nil {
			logger.Error("invalid SCHED_CRON", "spec", cfg.Server.CronSpec, "error", err)
			os.Exit(1)
		}
		sched.Start()
		logger.Info("scheduler started", "spec", cfg.Server.CronSpec)
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	if sched != nil {
		sched.Stop()
	}
	mgr.Stop() // cooperative; active run flushes and exits Interrupted

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("bye")
}
