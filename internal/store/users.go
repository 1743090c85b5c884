package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"job-alert-pipeline/internal/models"
)

// GetUser fetches an alert owner's contact projection.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, full_name, is_active FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}
