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

// JobStore persists scraped job listings and their derived embeddings.
type JobStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewJobStore creates a JobStore.
func NewJobStore(db *sqlx.DB, logger *slog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, title, company, url, description, source,
	requirements, embedding, embedding_stale, created_at, updated_at
`

// Get returns one job listing by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.JobListing, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get job: %w", err)
		}
		return nil, domain.ErrJobNotFound
	}

	job, err := scanJob(rows)
	if err != nil {
		return nil, err
	}

	return job, nil
}

// List returns all job listings, newest first. Feed requests rank this set.
func (s *JobStore) List(ctx context.Context, limit int) ([]domain.JobListing, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, job_id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.JobListing
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// Upsert inserts or refreshes a scraped listing, keyed by source URL. A
// changed description marks the stored embedding stale.
func (s *JobStore) Upsert(ctx context.Context, job *domain.JobListing) error {
	query := `
		INSERT INTO jobs (
			job_id, title, company, url, description, source,
			requirements, embedding_stale, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			title = EXCLUDED.title,
			company = EXCLUDED.company,
			description = EXCLUDED.description,
			requirements = EXCLUDED.requirements,
			embedding_stale = (jobs.description IS DISTINCT FROM EXCLUDED.description) OR jobs.embedding_stale,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.Title,
		job.Company,
		job.URL,
		job.Description,
		job.Source,
		pq.StringArray(job.Requirements),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	return nil
}

// FindByURL returns the job id for a source URL, if the listing was already
// ingested. Used by the ingestion worker to keep job ids stable across scrapes.
func (s *JobStore) FindByURL(ctx context.Context, url string) (string, error) {
	var jobID string
	err := s.db.GetContext(ctx, &jobID, `SELECT job_id FROM jobs WHERE url = $1`, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to find job by url: %w", err)
	}
	return jobID, nil
}

// UpdateEmbedding writes the derived embedding back and clears staleness.
func (s *JobStore) UpdateEmbedding(ctx context.Context, jobID string, embedding []float64) error {
	query := `
		UPDATE jobs
		SET embedding = $1, embedding_stale = FALSE, updated_at = NOW()
		WHERE job_id = $2
	`

	result, err := s.db.ExecContext(ctx, query, pq.Float64Array(embedding), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job embedding: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

func scanJob(rows *sql.Rows) (*domain.JobListing, error) {
	var job domain.JobListing
	var requirements pq.StringArray
	var embedding pq.Float64Array

	if err := rows.Scan(
		&job.JobID,
		&job.Title,
		&job.Company,
		&job.URL,
		&job.Description,
		&job.Source,
		&requirements,
		&embedding,
		&job.EmbeddingStale,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Requirements = requirements
	job.Embedding = embedding

	return &job, nil
}
