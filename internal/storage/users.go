package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"applyflow/internal/domain"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// UserStore persists user profiles and their derived embeddings.
type UserStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewUserStore creates a UserStore.
func NewUserStore(db *sqlx.DB, logger *slog.Logger) *UserStore {
	return &UserStore{
		db:     db,
		logger: logger,
	}
}

// Get returns one user profile by id.
func (s *UserStore) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	query := `
		SELECT user_id, full_name, email, resume_text, skills,
		       embedding, embedding_stale, created_at, updated_at
		FROM users
		WHERE user_id = $1
	`

	var user domain.UserProfile
	var skills pq.StringArray
	var embedding pq.Float64Array

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID,
		&user.FullName,
		&user.Email,
		&user.ResumeText,
		&skills,
		&embedding,
		&user.EmbeddingStale,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Skills = skills
	user.Embedding = embedding

	return &user, nil
}

// UpdateResume replaces the master resume and skill set. The stored embedding
// becomes stale and is regenerated on the next ranking request.
func (s *UserStore) UpdateResume(ctx context.Context, userID, resumeText string, skills []string) error {
	query := `
		UPDATE users
		SET resume_text = $1, skills = $2, embedding_stale = TRUE, updated_at = NOW()
		WHERE user_id = $3
	`

	result, err := s.db.ExecContext(ctx, query, resumeText, pq.StringArray(skills), userID)
	if err != nil {
		return fmt.Errorf("failed to update resume: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrUserNotFound
	}

	return nil
}

// UpdateEmbedding writes the derived embedding back and clears staleness.
func (s *UserStore) UpdateEmbedding(ctx context.Context, userID string, embedding []float64) error {
	query := `
		UPDATE users
		SET embedding = $1, embedding_stale = FALSE, updated_at = NOW()
		WHERE user_id = $2
	`

	result, err := s.db.ExecContext(ctx, query, pq.Float64Array(embedding), userID)
	if err != nil {
		return fmt.Errorf("failed to update user embedding: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrUserNotFound
	}

	return nil
}
