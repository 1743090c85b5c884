package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	api "job-alert-pipeline/internal/api"
	"job-alert-pipeline/internal/config"
	"job-alert-pipeline/internal/queue"
	"job-alert-pipeline/internal/scheduler"
	"job-alert-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	// Queue connectivity failure degrades the API (task endpoints 503) but
	// never keeps it from serving.
	qs := queue.New(cfg, st, logger)
	if err := qs.Initialize(ctx); err != nil {
		logger.Error("queue backend unreachable, task endpoints degraded", "error", err)
	} else {
		registered := scheduler.Register(qs, logger)
		logger.Info("schedules registered", "count", registered)
		// No workers run here; Start only brings up the cron calendar. Both
		// binaries fire the same schedules, and per-fire idempotency keys
		// collapse duplicate fires to one task.
		if err := qs.Start(ctx); err != nil {
			logger.Error("start schedules", "error", err)
		}
	}

	server := api.New(cfg, st, qs)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = qs.Shutdown(shutdownCtx)
}
