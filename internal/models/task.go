package models

import (
	"time"
)

// Task lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Task represents one unit of queued work persisted in Postgres. The Redis
// queues only carry task IDs; this row is the durable source of truth.
type Task struct {
	ID             string         `json:"id"`
	Queue          string         `json:"queue"`
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Schedule is a recurring task registration. The key doubles as the
// idempotency key, so re-registering the same schedule is a no-op.
type Schedule struct {
	Key       string         `json:"key"`
	Spec      string         `json:"spec"`
	Queue     string         `json:"queue"`
	TaskType  string         `json:"task_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
