package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"applyflow/internal/domain"
)

// ScrapedPosting is the wire format scrapers publish to the postings queue.
type ScrapedPosting struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Source      string `json:"source"`
}

// ErrMalformedPosting marks a payload that can never be processed.
var ErrMalformedPosting = errors.New("malformed posting")

// DecodePosting parses and validates a scraped posting payload.
func DecodePosting(body []byte) (*ScrapedPosting, error) {
	var posting ScrapedPosting
	if err := json.Unmarshal(body, &posting); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPosting, err)
	}

	if strings.TrimSpace(posting.Title) == "" {
		return nil, fmt.Errorf("%w: title is empty", ErrMalformedPosting)
	}
	if strings.TrimSpace(posting.Description) == "" {
		return nil, fmt.Errorf("%w: description is empty", ErrMalformedPosting)
	}

	parsed, err := url.Parse(posting.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrMalformedPosting, posting.URL)
	}

	return &posting, nil
}

// processPosting turns one scraped posting into a stored listing. The job id
// stays stable across re-scrapes of the same URL; requirement extraction and
// embedding are best-effort when the failure is permanent, so one flaky
// model response does not block ingestion.
func (in *Ingestor) processPosting(ctx context.Context, posting *ScrapedPosting) error {
	jobID, err := in.jobs.FindByURL(ctx, posting.URL)
	if errors.Is(err, domain.ErrJobNotFound) {
		jobID = uuid.New().String()
	} else if err != nil {
		return domain.NewTransientError("storage", err)
	}

	requirements, err := in.generator.ExtractRequirements(ctx, posting.Description)
	if err != nil {
		if domain.IsTransient(err) {
			return fmt.Errorf("requirement extraction failed: %w", err)
		}
		// Permanent model failure: store the listing without requirements,
		// keyword scoring will just contribute zero for it.
		in.logger.Warn("Requirement extraction failed, storing without requirements",
			slog.String("url", posting.URL),
			slog.String("error", err.Error()),
		)
		requirements = nil
	}

	job := &domain.JobListing{
		JobID:        jobID,
		Title:        posting.Title,
		Company:      posting.Company,
		URL:          posting.URL,
		Description:  posting.Description,
		Source:       posting.Source,
		Requirements: requirements,
	}

	if err := in.jobs.Upsert(ctx, job); err != nil {
		return domain.NewTransientError("storage", err)
	}

	in.precomputeEmbedding(ctx, job)

	return nil
}

// precomputeEmbedding derives the listing vector at ingestion time so the
// first feed request does not pay for it. Failures are logged only; the
// matching engine recomputes lazily from the stale flag.
func (in *Ingestor) precomputeEmbedding(ctx context.Context, job *domain.JobListing) {
	if in.embedder == nil {
		return
	}

	vec, err := in.embedder.Embed(ctx, job.EmbeddingText())
	if err != nil {
		in.logger.Warn("Embedding precompute failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := in.jobs.UpdateEmbedding(ctx, job.JobID, vec); err != nil {
		in.logger.Warn("Failed to store job embedding",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if in.vectors != nil {
		in.vectors.PutJob(job.JobID, vec)
	}
}

// shouldRequeue decides the NACK requeue flag. Only transient failures go
// back on the queue; everything else drains to the DLQ.
func shouldRequeue(err error) bool {
	if errors.Is(err, ErrMalformedPosting) {
		return false
	}
	return domain.IsTransient(err)
}
