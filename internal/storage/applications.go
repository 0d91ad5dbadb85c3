package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"applyflow/internal/domain"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// ApplicationStore persists Application records. Status changes go through
// the orchestrator; this layer only guards the duplicate-creation invariant,
// which lives in the partial unique index.
type ApplicationStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewApplicationStore creates an ApplicationStore.
func NewApplicationStore(db *sqlx.DB, logger *slog.Logger) *ApplicationStore {
	return &ApplicationStore{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new application. Returns domain.ErrDuplicateApplication
// when a non-abandoned application already exists for the (user, job) pair.
func (s *ApplicationStore) Create(ctx context.Context, app *domain.Application) error {
	query := `
		INSERT INTO applications (
			application_id, user_id, job_id, status,
			retry_count, abandoned, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		app.ApplicationID,
		app.UserID,
		app.JobID,
		app.Status,
		app.RetryCount,
		app.Abandoned,
		app.CreatedAt,
		app.UpdatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateApplication
		}
		return fmt.Errorf("failed to create application: %w", err)
	}

	return nil
}

// Get returns one application by id.
func (s *ApplicationStore) Get(ctx context.Context, applicationID string) (*domain.Application, error) {
	query := `
		SELECT application_id, user_id, job_id, status, resume_ref,
		       failure_reason, retry_count, abandoned,
		       created_at, updated_at, approved_at, submitted_at
		FROM applications
		WHERE application_id = $1
	`

	var app domain.Application
	if err := s.db.GetContext(ctx, &app, query, applicationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	return &app, nil
}

// ListByUser returns the user's applications, newest first.
func (s *ApplicationStore) ListByUser(ctx context.Context, userID string) ([]domain.Application, error) {
	query := `
		SELECT application_id, user_id, job_id, status, resume_ref,
		       failure_reason, retry_count, abandoned,
		       created_at, updated_at, approved_at, submitted_at
		FROM applications
		WHERE user_id = $1
		ORDER BY created_at DESC, application_id DESC
	`

	var apps []domain.Application
	if err := s.db.SelectContext(ctx, &apps, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	return apps, nil
}

// SetStatus updates the lifecycle status and failure reason.
func (s *ApplicationStore) SetStatus(ctx context.Context, applicationID, status, failureReason string) error {
	query := `
		UPDATE applications
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE application_id = $3
	`

	return s.exec(ctx, query, status, failureReason, applicationID)
}

// SetResumeRef records the tailored-resume artifact reference.
func (s *ApplicationStore) SetResumeRef(ctx context.Context, applicationID, resumeRef string) error {
	query := `
		UPDATE applications
		SET resume_ref = $1, updated_at = NOW()
		WHERE application_id = $2
	`

	return s.exec(ctx, query, resumeRef, applicationID)
}

// MarkSubmitted finalizes a successful pipeline run.
func (s *ApplicationStore) MarkSubmitted(ctx context.Context, applicationID string) error {
	query := `
		UPDATE applications
		SET status = $1, failure_reason = '', submitted_at = NOW(), updated_at = NOW()
		WHERE application_id = $2
	`

	return s.exec(ctx, query, domain.StatusSubmitted, applicationID)
}

// MarkApproved records the approval and re-enters the pipeline state.
func (s *ApplicationStore) MarkApproved(ctx context.Context, applicationID string) error {
	query := `
		UPDATE applications
		SET status = $1, approved_at = NOW(), updated_at = NOW()
		WHERE application_id = $2
	`

	return s.exec(ctx, query, domain.StatusDrafting, applicationID)
}

// IncrementRetry resets a failed application to DRAFTING and bumps the
// retry counter. Only explicit retry requests go through here.
func (s *ApplicationStore) IncrementRetry(ctx context.Context, applicationID string) error {
	query := `
		UPDATE applications
		SET status = $1, retry_count = retry_count + 1, failure_reason = '', updated_at = NOW()
		WHERE application_id = $2
	`

	return s.exec(ctx, query, domain.StatusDrafting, applicationID)
}

// MarkAbandoned takes the application out of the duplicate-prevention scope:
// the (user, job) pair may be applied to again afterwards.
func (s *ApplicationStore) MarkAbandoned(ctx context.Context, applicationID string) error {
	query := `
		UPDATE applications
		SET abandoned = TRUE, updated_at = NOW()
		WHERE application_id = $1
	`

	return s.exec(ctx, query, applicationID)
}

// ListStaleNeedsApproval returns applications waiting for approval since
// before the cutoff. Used by the approval-expiry sweeper.
func (s *ApplicationStore) ListStaleNeedsApproval(ctx context.Context, cutoff time.Time) ([]domain.Application, error) {
	query := `
		SELECT application_id, user_id, job_id, status, resume_ref,
		       failure_reason, retry_count, abandoned,
		       created_at, updated_at, approved_at, submitted_at
		FROM applications
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`

	var apps []domain.Application
	if err := s.db.SelectContext(ctx, &apps, query, domain.StatusNeedsApproval, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale approvals: %w", err)
	}

	return apps, nil
}

func (s *ApplicationStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrApplicationNotFound
	}

	return nil
}
