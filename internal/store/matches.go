package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"job-alert-pipeline/internal/models"
)

// InsertMatches persists match rows, skipping any (alert_id, job_id) pairing
// that already exists. Returns the number of newly inserted rows, which makes
// re-running a matching pass against an unchanged index a no-op.
func (s *Store) InsertMatches(ctx context.Context, matches []models.Match) (int, error) {
	inserted := 0
	for _, m := range matches {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO matches (id, alert_id, job_id, score, notified, created_at)
			VALUES ($1, $2, $3, $4, FALSE, NOW())
			ON CONFLICT (alert_id, job_id) DO NOTHING
		`, id, m.AlertID, m.JobID, m.Score)
		if err != nil {
			return inserted, fmt.Errorf("insert match alert=%s job=%s: %w", m.AlertID, m.JobID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// FindUnsentMatches returns up to limit not-yet-notified matches for an alert,
// joined with their postings, best score first.
func (s *Store) FindUnsentMatches(ctx context.Context, alertID string, limit int) ([]models.UnsentMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.alert_id, m.job_id, m.score, m.notified, m.created_at,
		       p.id, p.title, p.company, p.city, p.state, p.is_remote, p.job_type, p.experience_level, p.description, p.created_at
		FROM matches m
		JOIN postings p ON p.id = m.job_id
		WHERE m.alert_id = $1 AND NOT m.notified
		ORDER BY m.score DESC, m.created_at
		LIMIT $2
	`, alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsent matches: %w", err)
	}
	defer rows.Close()

	var out []models.UnsentMatch
	for rows.Next() {
		var um models.UnsentMatch
		if err := rows.Scan(&um.Match.ID, &um.Match.AlertID, &um.Match.JobID, &um.Match.Score, &um.Match.Notified, &um.Match.CreatedAt,
			&um.Posting.ID, &um.Posting.Title, &um.Posting.Company, &um.Posting.City, &um.Posting.State,
			&um.Posting.IsRemote, &um.Posting.JobType, &um.Posting.ExperienceLevel, &um.Posting.Description, &um.Posting.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unsent match: %w", err)
		}
		out = append(out, um)
	}
	return out, rows.Err()
}

// CountUnsentMatches counts all not-yet-notified matches for an alert.
func (s *Store) CountUnsentMatches(ctx context.Context, alertID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM matches WHERE alert_id = $1 AND NOT notified
	`, alertID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsent matches: %w", err)
	}
	return n, nil
}

// MarkMatchesSent flips the notified flag on the given match rows.
func (s *Store) MarkMatchesSent(ctx context.Context, matchIDs []string) error {
	if len(matchIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE matches SET notified = TRUE WHERE id = ANY($1)
	`, matchIDs)
	return err
}

// DeleteOldMatches removes notified matches created before the cutoff, keeping
// the match table bounded. Unsent matches are never dropped.
func (s *Store) DeleteOldMatches(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM matches WHERE notified AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old matches: %w", err)
	}
	return tag.RowsAffected(), nil
}
