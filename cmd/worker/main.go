package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-alert-pipeline/internal/alerts"
	"job-alert-pipeline/internal/config"
	"job-alert-pipeline/internal/matching"
	"job-alert-pipeline/internal/queue"
	"job-alert-pipeline/internal/scheduler"
	"job-alert-pipeline/internal/search"
	"job-alert-pipeline/internal/store"
	"job-alert-pipeline/internal/telemetry"
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
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	// All-or-nothing bring-up: if the queue backend is unreachable nothing is
	// registered, so recurring jobs never run with a partial worker set.
	qs := queue.New(cfg, st, logger)
	if err := qs.Initialize(ctx); err != nil {
		log.Fatalf("initialize queue service: %v", err)
	}

	engine := matching.NewEngine(search.NewHTTPClient(cfg.SearchURL, cfg.SearchAPIKey, cfg.SearchCollection))
	processor := alerts.NewProcessor(st, engine, qs, cfg.MatchRetention, logger)

	err = qs.RegisterWorker(alerts.QueueName, processor.Handlers(), queue.WorkerOptions{
		Concurrency: cfg.AlertWorkerConcurrency,
		RateLimit:   &queue.RateLimit{Max: cfg.AlertRateLimitMax, Window: cfg.AlertRateLimitWindow},
	})
	if err != nil {
		log.Fatalf("register alert worker: %v", err)
	}

	registered := scheduler.Register(qs, logger)
	logger.Info("schedules registered", "count", registered)

	go func() {
		if err := http.ListenAndServe(":"+cfg.HTTPPort, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	if err := qs.Start(ctx); err != nil {
		log.Fatalf("start queue service: %v", err)
	}
	logger.Info("worker started",
		"concurrency", cfg.AlertWorkerConcurrency,
		"visibility", cfg.VisibilityTimeout.String(),
		"backoff_initial", cfg.BackoffInitial.String())

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := qs.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
