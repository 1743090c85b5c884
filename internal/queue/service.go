package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"job-alert-pipeline/internal/config"
	"job-alert-pipeline/internal/models"
	"job-alert-pipeline/internal/ratelimit"
	"job-alert-pipeline/internal/store"
	"job-alert-pipeline/internal/telemetry"
	"job-alert-pipeline/internal/worker"
)

// ErrNotInitialized is returned when the service is used before a successful
// Initialize. Worker and schedule registration is refused in that state so a
// process never comes up with a partial worker set.
var ErrNotInitialized = errors.New("queue service not initialized")

// EnqueueOptions are the delivery options recognized by Enqueue.
type EnqueueOptions struct {
	IdempotencyKey string
	Priority       string
	MaxAttempts    int
	RunAt          time.Time
}

// RateLimit caps executions at Max per Window across all worker processes.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// WorkerOptions tune one registered queue worker.
type WorkerOptions struct {
	Concurrency int
	RateLimit   *RateLimit
}

// Service is the process's queue facade: durable enqueue, worker
// registration, and recurring schedules. It is constructed explicitly and
// passed by reference; Initialize must succeed before anything else is
// allowed to register.
type Service struct {
	cfg   config.Config
	store *store.Store
	rdb   *redis.Client
	queue *RedisQueue
	cron  *cron.Cron
	log   *slog.Logger

	mu          sync.Mutex
	runners     []*worker.Runner
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs an uninitialized queue service.
func New(cfg config.Config, st *store.Store, log *slog.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: st,
		cron:  cron.New(),
		log:   log.With("component", "queue"),
	}
}

// Initialize connects to the queue backend and verifies both it and the task
// store are reachable. On any failure the service stays unusable: callers
// must not register workers or schedules (all-or-nothing bring-up).
func (s *Service) Initialize(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	if err := s.store.Ping(ctx); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rdb = rdb
	s.queue = NewRedisQueue(rdb, s.cfg.VisibilityTimeout)
	s.initialized = true
	return nil
}

// Enqueue durably records a task and hands it to the named queue. Returns the
// task and whether an identically-keyed pending task suppressed the enqueue.
func (s *Service) Enqueue(ctx context.Context, queueName, taskType string, payload any, opts EnqueueOptions) (models.Task, bool, error) {
	if !s.ready() {
		return models.Task{}, false, ErrNotInitialized
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	task, deduped, err := s.store.CreateTask(ctx, store.CreateTaskParams{
		Queue:          queueName,
		Type:           taskType,
		Priority:       normalizePriority(opts.Priority),
		Payload:        payload,
		IdempotencyKey: opts.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    maxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("create task: %w", err)
	}
	if deduped {
		return task, true, nil
	}

	if err := s.queue.Push(ctx, queueName, task.ID, task.Priority, task.NextRunAt); err != nil {
		msg := err.Error()
		_ = s.store.UpdateTaskStatus(ctx, task.ID, models.StatusFailed, task.Attempts, task.NextRunAt, &msg)
		return models.Task{}, false, fmt.Errorf("push task %s: %w", task.ID, err)
	}
	_ = s.store.AppendAudit(ctx, task.ID, "enqueued", fmt.Sprintf("queue=%s type=%s", queueName, taskType))
	telemetry.EnqueueCounter.Inc()
	return task, false, nil
}

// RegisterWorker binds handlers (by task type) to a named queue. The worker
// starts pulling when Start is called, running at most opts.Concurrency tasks
// in flight and at most RateLimit.Max executions per RateLimit.Window.
func (s *Service) RegisterWorker(queueName string, handlers map[string]worker.Handler, opts WorkerOptions) error {
	if !s.ready() {
		return ErrNotInitialized
	}
	if len(handlers) == 0 {
		return fmt.Errorf("register worker for %q: no handlers", queueName)
	}

	var limiter worker.Limiter
	if opts.RateLimit != nil && opts.RateLimit.Max > 0 {
		limiter = ratelimit.NewTokenBucket(s.rdb, opts.RateLimit.Max, opts.RateLimit.Window, time.Hour)
	}

	runner := worker.NewRunner(queueName, s.queue, s.store, limiter, worker.Options{
		Concurrency:        opts.Concurrency,
		PollInterval:       s.cfg.WorkerPollInterval,
		MaxAttempts:        s.cfg.MaxAttempts,
		BackoffInitial:     s.cfg.BackoffInitial,
		BackoffMax:         s.cfg.BackoffMax,
		ScheduledBatchSize: s.cfg.ScheduledBatchSize,
	}, s.log)
	for taskType, h := range handlers {
		runner.RegisterHandler(taskType, h)
	}

	s.mu.Lock()
	s.runners = append(s.runners, runner)
	s.mu.Unlock()
	return nil
}

// RegisterCron registers a recurring task. The key is both the schedule's
// durable identity (re-registration is a no-op) and the basis of each fire's
// idempotency key, so one calendar fire enqueues exactly once even when
// several processes run the schedule.
func (s *Service) RegisterCron(key, spec, queueName, taskType string, payload map[string]any) error {
	if !s.ready() {
		return ErrNotInitialized
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse cron spec %q for %s: %w", spec, key, err)
	}

	created, err := s.store.UpsertSchedule(context.Background(), models.Schedule{
		Key:      key,
		Spec:     spec,
		Queue:    queueName,
		TaskType: taskType,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	if created {
		s.log.Info("schedule registered", "key", key, "spec", spec)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		fireKey := fmt.Sprintf("%s@%s", key, time.Now().UTC().Truncate(time.Minute).Format("200601021504"))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, deduped, err := s.Enqueue(ctx, queueName, taskType, payload, EnqueueOptions{IdempotencyKey: fireKey}); err != nil {
			s.log.Error("cron enqueue failed", "key", key, "error", err)
		} else if deduped {
			s.log.Debug("cron fire already enqueued elsewhere", "key", fireKey)
		}
	}))
	return nil
}

// Start launches every registered runner and the cron scheduler. It returns
// immediately; work stops when Shutdown is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if !s.ready() {
		return ErrNotInitialized
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	runners := s.runners
	s.mu.Unlock()

	for _, r := range runners {
		s.wg.Add(1)
		go func(r *worker.Runner) {
			defer s.wg.Done()
			if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("runner stopped", "error", err)
			}
		}(r)
	}
	s.cron.Start()
	return nil
}

// Shutdown stops the cron scheduler, waits for in-flight tasks, and closes
// the Redis connection.
func (s *Service) Shutdown(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	rdb := s.rdb
	s.initialized = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if rdb != nil {
		return rdb.Close()
	}
	return nil
}

// DLQPeek exposes a queue's dead-letter list for the ops API.
func (s *Service) DLQPeek(ctx context.Context, queueName string, count int64) ([]string, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	return s.queue.DLQPeek(ctx, queueName, count)
}

func (s *Service) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}
