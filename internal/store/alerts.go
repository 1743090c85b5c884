package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"job-alert-pipeline/internal/models"
)

// MaxActiveAlertsPerUser caps how many active, non-paused alerts a single user
// may hold. Creation past the cap fails with ErrAlertLimit and writes nothing.
const MaxActiveAlertsPerUser = 10

// ErrAlertLimit is returned when a user is at the active-alert cap.
var ErrAlertLimit = errors.New("active alert limit reached")

// CreateAlert inserts an alert, enforcing the per-user active-alert cap inside
// one transaction so concurrent creations cannot slip past it.
func (s *Store) CreateAlert(ctx context.Context, a models.Alert) (models.Alert, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Alert{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize creates per user by locking the owner row. Locking the alert
	// rows themselves is not enough: under READ COMMITTED a concurrent insert
	// is a phantom the blocked count never sees, so two creates at 9 alerts
	// could both pass the cap.
	var ownerID string
	err = tx.QueryRow(ctx, `
		SELECT id FROM users WHERE id = $1 FOR UPDATE
	`, a.UserID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, fmt.Errorf("user %s: %w", a.UserID, ErrNotFound)
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("lock alert owner: %w", err)
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE user_id = $1 AND is_active AND NOT is_paused
	`, a.UserID).Scan(&active)
	if err != nil {
		return models.Alert{}, fmt.Errorf("count active alerts: %w", err)
	}
	if a.IsActive && !a.IsPaused && active >= MaxActiveAlertsPerUser {
		return models.Alert{}, ErrAlertLimit
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO alerts (id, user_id, name, query, city, state, job_types, skills, experience_levels,
		                    include_remote, frequency, is_active, is_paused, last_sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, $14, $14)
	`, a.ID, a.UserID, a.Name, a.Query, a.City, a.State, a.JobTypes, a.Skills, a.ExperienceLevels,
		a.IncludeRemote, string(a.Frequency), a.IsActive, a.IsPaused, now)
	if err != nil {
		return models.Alert{}, fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Alert{}, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

// FindAlertsDue returns active, non-paused alerts of the given cadence whose
// watermark is unset or older than the cutoff.
func (s *Store) FindAlertsDue(ctx context.Context, freq models.Frequency, cutoff time.Time) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, query, city, state, job_types, skills, experience_levels,
		       include_remote, frequency, is_active, is_paused, last_sent_at, created_at, updated_at
		FROM alerts
		WHERE frequency = $1 AND is_active AND NOT is_paused
		  AND (last_sent_at IS NULL OR last_sent_at < $2)
		ORDER BY created_at
	`, string(freq), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query due alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var freqStr string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Query, &a.City, &a.State, &a.JobTypes, &a.Skills,
			&a.ExperienceLevels, &a.IncludeRemote, &freqStr, &a.IsActive, &a.IsPaused,
			&a.LastSentAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Frequency = models.Frequency(freqStr)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UpdateLastSentAt advances an alert's processing watermark.
func (s *Store) UpdateLastSentAt(ctx context.Context, alertID string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET last_sent_at = $2, updated_at = NOW() WHERE id = $1
	`, alertID, ts)
	return err
}

// PauseAlertsForInactiveUsers soft-disables alerts whose owner has been
// deactivated. Returns how many alerts were paused.
func (s *Store) PauseAlertsForInactiveUsers(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET is_paused = TRUE, updated_at = NOW()
		FROM users
		WHERE alerts.user_id = users.id AND NOT users.is_active AND NOT alerts.is_paused
	`)
	if err != nil {
		return 0, fmt.Errorf("pause alerts for inactive users: %w", err)
	}
	return tag.RowsAffected(), nil
}
