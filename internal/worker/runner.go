// Package worker pulls tasks off a named queue and drives registered handlers
// with bounded concurrency, retry/backoff bookkeeping, and dead-lettering.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"job-alert-pipeline/internal/models"
	"job-alert-pipeline/internal/telemetry"
)

// Handler executes a task for a given type.
type Handler func(ctx context.Context, task models.Task) error

// Queue is the slice of the Redis queue the runner needs.
type Queue interface {
	PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context, queue string) (string, error)
	Ack(ctx context.Context, queue, taskID string) error
	Schedule(ctx context.Context, queue, taskID, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, queue, taskID string) error
	ReadyDepth(ctx context.Context, queue string) (int64, error)
}

// TaskStore is the slice of the Postgres store the runner needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, attempts int, nextRun time.Time, lastError *string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkDeadLetter(ctx context.Context, id, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// Limiter gates dequeues; nil means unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Options tune one runner.
type Options struct {
	Concurrency        int
	PollInterval       time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ScheduledBatchSize int
}

// Runner drives the execution loop for a single named queue.
type Runner struct {
	queueName string
	queue     Queue
	store     TaskStore
	limiter   Limiter
	handlers  map[string]Handler
	opts      Options
	log       *slog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewRunner creates a runner bound to one queue.
func NewRunner(queueName string, q Queue, st TaskStore, limiter Limiter, opts Options, log *slog.Logger) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.ScheduledBatchSize == 0 {
		opts.ScheduledBatchSize = 100
	}
	return &Runner{
		queueName: queueName,
		queue:     q,
		store:     st,
		limiter:   limiter,
		handlers:  make(map[string]Handler),
		opts:      opts,
		log:       log.With("component", "worker", "queue", queueName),
	}
}

// RegisterHandler binds a handler to a task type.
func (r *Runner) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	r.mu.Lock()
	r.handlers[taskType] = handler
	r.mu.Unlock()
}

// Run starts the queue loop until context cancellation. At most
// opts.Concurrency tasks are in flight at once; dequeues additionally pass
// through the rate limiter when one is configured.
func (r *Runner) Run(ctx context.Context) error {
	sem := make(chan struct{}, r.opts.Concurrency)

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		default:
		}

		_, _ = r.queue.PromoteScheduled(ctx, r.queueName, time.Now(), int64(r.opts.ScheduledBatchSize))
		if reclaimed, _ := r.queue.RequeueExpired(ctx, r.queueName, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				if task, err := r.store.GetTask(ctx, id); err == nil {
					_ = r.store.UpdateTaskStatus(ctx, id, models.StatusQueued, task.Attempts, time.Now(), task.LastError)
				}
			}
		}
		if depth, err := r.queue.ReadyDepth(ctx, r.queueName); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		if r.limiter != nil {
			allowed, err := r.limiter.Allow(ctx, "rl:queue:"+r.queueName)
			if err == nil && !allowed {
				telemetry.RateLimitWaits.Inc()
				sleepCtx(ctx, r.opts.PollInterval)
				continue
			}
		}

		taskID, err := r.queue.DequeueWithLease(ctx, r.queueName)
		if err != nil || taskID == "" {
			sleepCtx(ctx, r.opts.PollInterval)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		}
		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			defer func() { <-sem }()
			r.execute(ctx, id)
		}(taskID)
	}
}

// execute runs one leased task through its handler and reports the outcome
// back to the queue and store.
func (r *Runner) execute(ctx context.Context, taskID string) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		_ = r.queue.Ack(ctx, r.queueName, taskID)
		return
	}
	if task.Status == models.StatusCancelled {
		_ = r.queue.Ack(ctx, r.queueName, taskID)
		return
	}

	handler := r.handlerFor(task.Type)
	if handler == nil {
		r.log.Error("no handler registered", "task", task.ID, "type", task.Type)
		_ = r.store.MarkDeadLetter(ctx, task.ID, fmt.Sprintf("no handler registered for type %q", task.Type))
		_ = r.queue.Ack(ctx, r.queueName, task.ID)
		_ = r.queue.DLQPush(ctx, r.queueName, task.ID)
		telemetry.WorkerDeadLetter.Inc()
		return
	}

	_ = r.store.UpdateTaskStatus(ctx, task.ID, models.StatusInProgress, task.Attempts, task.NextRunAt, nil)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err = handler(ctx, task)
	if err == nil {
		_ = r.queue.Ack(ctx, r.queueName, task.ID)
		_ = r.store.MarkSuccess(ctx, task.ID)
		_ = r.store.AppendAudit(ctx, task.ID, "succeeded", "worker completed task")
		telemetry.WorkerSuccess.Inc()
		return
	}

	attempts := task.Attempts + 1
	backoff := backoffWithJitter(r.opts.BackoffInitial, r.opts.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = r.store.UpdateAttempts(ctx, task.ID, attempts, nextRun, err.Error())

	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 || maxAttempts > r.opts.MaxAttempts {
		maxAttempts = r.opts.MaxAttempts
	}
	if attempts >= maxAttempts {
		r.log.Error("task dead-lettered", "task", task.ID, "type", task.Type, "attempts", attempts, "error", err)
		_ = r.store.MarkDeadLetter(ctx, task.ID, err.Error())
		_ = r.queue.Ack(ctx, r.queueName, task.ID)
		_ = r.queue.DLQPush(ctx, r.queueName, task.ID)
		_ = r.store.AppendAudit(ctx, task.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		return
	}

	r.log.Warn("task failed, retry scheduled", "task", task.ID, "type", task.Type, "attempts", attempts, "next_run", nextRun.UTC().Format(time.RFC3339), "error", err)
	_ = r.queue.Ack(ctx, r.queueName, task.ID)
	_ = r.queue.Schedule(ctx, r.queueName, task.ID, task.Priority, nextRun)
	_ = r.store.AppendAudit(ctx, task.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
}

func (r *Runner) handlerFor(taskType string) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[taskType]
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
