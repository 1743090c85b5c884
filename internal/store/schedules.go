package store

import (
	"context"
	"encoding/json"
	"fmt"

	"job-alert-pipeline/internal/models"
)

// UpsertSchedule registers a recurring task keyed by its semantic name.
// Re-registering an identical schedule is a no-op; a changed cron spec or
// payload updates the existing row. Returns true when the row was created.
func (s *Store) UpsertSchedule(ctx context.Context, sched models.Schedule) (bool, error) {
	payloadJSON, err := json.Marshal(sched.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal schedule payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (key, spec, queue, task_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (key) DO UPDATE
		SET spec = EXCLUDED.spec, queue = EXCLUDED.queue,
		    task_type = EXCLUDED.task_type, payload = EXCLUDED.payload
		WHERE (schedules.spec, schedules.queue, schedules.task_type, schedules.payload)
		      IS DISTINCT FROM (EXCLUDED.spec, EXCLUDED.queue, EXCLUDED.task_type, EXCLUDED.payload)
	`, sched.Key, sched.Spec, sched.Queue, sched.TaskType, payloadJSON)
	if err != nil {
		return false, fmt.Errorf("upsert schedule %s: %w", sched.Key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSchedules returns every registered recurring task.
func (s *Store) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, spec, queue, task_type, payload, created_at FROM schedules ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var sched models.Schedule
		var payloadJSON []byte
		if err := rows.Scan(&sched.Key, &sched.Spec, &sched.Queue, &sched.TaskType, &payloadJSON, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &sched.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal schedule payload: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}
