package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-alert-pipeline/internal/models"
)

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping verifies the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	Queue          string
	Type           string
	Priority       string
	Payload        any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateTask inserts a task row, honoring idempotency if provided.
// It returns the task and a boolean indicating whether an existing task was
// reused via the idempotency key.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Task{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, queue, type, priority, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, id, p.Queue, p.Type, p.Priority, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("insert task: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, task_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Task{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing task.
			if err := tx.Rollback(ctx); err != nil {
				return models.Task{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Task{}, false, err
			}
			if !found {
				return models.Task{}, false, errors.New("idempotency conflict but no existing task found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, false, fmt.Errorf("commit: %w", err)
	}

	var payloadMap map[string]any
	_ = json.Unmarshal(payloadJSON, &payloadMap)

	return models.Task{
		ID:             id,
		Queue:          p.Queue,
		Type:           p.Type,
		Priority:       p.Priority,
		Payload:        payloadMap,
		Status:         models.StatusQueued,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the task mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Task, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT task_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, type, priority, payload, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	var task models.Task
	var payloadJSON []byte
	var lastErr pgtype.Text
	var idem pgtype.Text

	if err := row.Scan(&task.ID, &task.Queue, &task.Type, &task.Priority, &payloadJSON, &task.Status, &task.Attempts, &task.MaxAttempts, &task.NextRunAt, &lastErr, &idem, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	task.LastError = textPtr(lastErr)
	task.IdempotencyKey = textPtr(idem)
	return task, nil
}

// UpdateTaskStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// MarkSuccess transitions a task to succeeded.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusSucceeded)
	return err
}

// MarkCancelled sets status cancelled and clears any last error.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// MarkDeadLetter flags a task as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
	return err
}

// UpdateAttempts re-queues a task with bumped attempts after a failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
