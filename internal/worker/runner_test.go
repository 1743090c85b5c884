package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"job-alert-pipeline/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunnerQueue records queue interactions without Redis.
type fakeRunnerQueue struct {
	acked     []string
	scheduled []string
	dlq       []string
}

func (f *fakeRunnerQueue) PromoteScheduled(context.Context, string, time.Time, int64) (int, error) {
	return 0, nil
}

func (f *fakeRunnerQueue) RequeueExpired(context.Context, string, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeRunnerQueue) DequeueWithLease(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeRunnerQueue) Ack(_ context.Context, _ string, taskID string) error {
	f.acked = append(f.acked, taskID)
	return nil
}

func (f *fakeRunnerQueue) Schedule(_ context.Context, _ string, taskID string, _ string, _ time.Time) error {
	f.scheduled = append(f.scheduled, taskID)
	return nil
}

func (f *fakeRunnerQueue) DLQPush(_ context.Context, _ string, taskID string) error {
	f.dlq = append(f.dlq, taskID)
	return nil
}

func (f *fakeRunnerQueue) ReadyDepth(context.Context, string) (int64, error) {
	return 0, nil
}

// fakeRunnerStore records task state transitions without Postgres.
type fakeRunnerStore struct {
	tasks       map[string]models.Task
	succeeded   []string
	deadLetters map[string]string
	attempts    map[string]int
	events      []string
}

func newFakeRunnerStore(tasks ...models.Task) *fakeRunnerStore {
	s := &fakeRunnerStore{
		tasks:       map[string]models.Task{},
		deadLetters: map[string]string{},
		attempts:    map[string]int{},
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (f *fakeRunnerStore) GetTask(_ context.Context, id string) (models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return models.Task{}, errors.New("task not found")
	}
	return t, nil
}

func (f *fakeRunnerStore) UpdateTaskStatus(_ context.Context, id, status string, _ int, _ time.Time, _ *string) error {
	t := f.tasks[id]
	t.Status = status
	f.tasks[id] = t
	return nil
}

func (f *fakeRunnerStore) MarkSuccess(_ context.Context, id string) error {
	f.succeeded = append(f.succeeded, id)
	return nil
}

func (f *fakeRunnerStore) MarkDeadLetter(_ context.Context, id, lastError string) error {
	f.deadLetters[id] = lastError
	return nil
}

func (f *fakeRunnerStore) UpdateAttempts(_ context.Context, id string, attempts int, _ time.Time, _ string) error {
	f.attempts[id] = attempts
	return nil
}

func (f *fakeRunnerStore) AppendAudit(_ context.Context, _ string, event, _ string) error {
	f.events = append(f.events, event)
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestExecuteSuccessAcks(t *testing.T) {
	q := &fakeRunnerQueue{}
	st := newFakeRunnerStore(models.Task{ID: "t1", Type: "alerts:daily", MaxAttempts: 3})
	r := NewRunner("alerts", q, st, nil, Options{}, testLogger())
	r.RegisterHandler("alerts:daily", func(context.Context, models.Task) error { return nil })

	r.execute(context.Background(), "t1")

	if !contains(q.acked, "t1") {
		t.Fatalf("successful task must be acked, acked=%v", q.acked)
	}
	if !contains(st.succeeded, "t1") {
		t.Fatalf("successful task must be marked succeeded")
	}
	if len(q.dlq) != 0 || len(q.scheduled) != 0 {
		t.Fatalf("success must not touch retry or DLQ paths: dlq=%v scheduled=%v", q.dlq, q.scheduled)
	}
}

func TestExecuteFailureSchedulesRetry(t *testing.T) {
	q := &fakeRunnerQueue{}
	st := newFakeRunnerStore(models.Task{ID: "t1", Type: "alerts:daily", Attempts: 0, MaxAttempts: 3})
	r := NewRunner("alerts", q, st, nil, Options{}, testLogger())
	r.RegisterHandler("alerts:daily", func(context.Context, models.Task) error {
		return errors.New("search backend failure")
	})

	r.execute(context.Background(), "t1")

	if st.attempts["t1"] != 1 {
		t.Fatalf("expected attempts bumped to 1, got %d", st.attempts["t1"])
	}
	if !contains(q.scheduled, "t1") {
		t.Fatalf("failed task below max attempts must be rescheduled")
	}
	if !contains(q.acked, "t1") {
		t.Fatalf("rescheduled task must release its lease")
	}
	if len(q.dlq) != 0 {
		t.Fatalf("task below max attempts must not dead-letter, dlq=%v", q.dlq)
	}
}

func TestExecuteExhaustedAttemptsDeadLetters(t *testing.T) {
	q := &fakeRunnerQueue{}
	st := newFakeRunnerStore(models.Task{ID: "t1", Type: "alerts:daily", Attempts: 2, MaxAttempts: 3})
	r := NewRunner("alerts", q, st, nil, Options{}, testLogger())
	r.RegisterHandler("alerts:daily", func(context.Context, models.Task) error {
		return errors.New("still failing")
	})

	r.execute(context.Background(), "t1")

	if _, ok := st.deadLetters["t1"]; !ok {
		t.Fatalf("task at max attempts must be marked dead-lettered")
	}
	if !contains(q.dlq, "t1") {
		t.Fatalf("dead-lettered task must be pushed to the DLQ")
	}
	if contains(q.scheduled, "t1") {
		t.Fatalf("exhausted task must not be rescheduled")
	}
}

func TestExecuteNoHandlerDeadLetters(t *testing.T) {
	q := &fakeRunnerQueue{}
	st := newFakeRunnerStore(models.Task{ID: "t1", Type: "unknown:type", MaxAttempts: 3})
	r := NewRunner("alerts", q, st, nil, Options{}, testLogger())

	r.execute(context.Background(), "t1")

	if _, ok := st.deadLetters["t1"]; !ok {
		t.Fatalf("unroutable task must dead-letter, not retry")
	}
	if !contains(q.dlq, "t1") || !contains(q.acked, "t1") {
		t.Fatalf("unroutable task must be acked and DLQ'd: dlq=%v acked=%v", q.dlq, q.acked)
	}
	if st.attempts["t1"] != 0 {
		t.Fatalf("unroutable task must not burn attempts")
	}
}

func TestExecuteCancelledTaskOnlyAcks(t *testing.T) {
	q := &fakeRunnerQueue{}
	st := newFakeRunnerStore(models.Task{ID: "t1", Type: "alerts:daily", Status: models.StatusCancelled})
	r := NewRunner("alerts", q, st, nil, Options{}, testLogger())
	called := false
	r.RegisterHandler("alerts:daily", func(context.Context, models.Task) error {
		called = true
		return nil
	})

	r.execute(context.Background(), "t1")

	if called {
		t.Fatalf("cancelled task must not run its handler")
	}
	if !contains(q.acked, "t1") {
		t.Fatalf("cancelled task must still release its lease")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 > max {
		t.Fatalf("backoff must stay capped at max, got %s", b9)
	}
}

func TestRegisterHandlerIgnoresInvalid(t *testing.T) {
	r := NewRunner("alerts", nil, nil, nil, Options{}, testLogger())

	r.RegisterHandler("", func(context.Context, models.Task) error { return nil })
	r.RegisterHandler("alerts:daily", nil)
	if h := r.handlerFor("alerts:daily"); h != nil {
		t.Fatalf("nil handler must not register")
	}

	r.RegisterHandler("alerts:daily", func(context.Context, models.Task) error { return nil })
	if h := r.handlerFor("alerts:daily"); h == nil {
		t.Fatalf("handler lookup failed after registration")
	}
}

func TestOptionsDefaults(t *testing.T) {
	r := NewRunner("alerts", nil, nil, nil, Options{}, testLogger())
	if r.opts.Concurrency != 1 {
		t.Fatalf("expected default concurrency 1, got %d", r.opts.Concurrency)
	}
	if r.opts.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", r.opts.MaxAttempts)
	}
	if r.opts.PollInterval != time.Second {
		t.Fatalf("expected default poll interval 1s, got %s", r.opts.PollInterval)
	}
}
