package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"applyflow/internal/audit"
	"applyflow/internal/domain"
	"applyflow/internal/matching"
	"applyflow/internal/orchestrator"
	"applyflow/internal/scheduler"
	"applyflow/internal/vectorstore"
)

// Audit event kinds emitted by user-facing operations.
const (
	EventApplicationCreated  = "application_created"
	EventApplicationApproved = "application_approved"
	EventApplicationRejected = "application_rejected"
	EventRetryRequested      = "retry_requested"
)

// ReasonRejected is recorded when the user declines a tailored resume.
const ReasonRejected = "rejected by user"

// ReasonSchedulerBusy is recorded when a pipeline could not be enqueued. The
// application lands in FAILED so an explicit retry can pick it up once the
// backlog clears.
const ReasonSchedulerBusy = "scheduler busy"

// ApplicationRepository is the application persistence surface the service needs.
type ApplicationRepository interface {
	Create(ctx context.Context, app *domain.Application) error
	Get(ctx context.Context, applicationID string) (*domain.Application, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Application, error)
	SetStatus(ctx context.Context, applicationID, status, failureReason string) error
	MarkApproved(ctx context.Context, applicationID string) error
	IncrementRetry(ctx context.Context, applicationID string) error
	MarkAbandoned(ctx context.Context, applicationID string) error
}

// UserRepository resolves and updates user profiles.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*domain.UserProfile, error)
	UpdateResume(ctx context.Context, userID, resumeText string, skills []string) error
}

// JobRepository resolves job listings for the feed and for validation.
type JobRepository interface {
	Get(ctx context.Context, jobID string) (*domain.JobListing, error)
	List(ctx context.Context, limit int) ([]domain.JobListing, error)
}

// Submitter enqueues pipeline runs. Implemented by the scheduler.
type Submitter interface {
	Submit(task scheduler.Task) error
	IsActive(applicationID string) bool
}

// Ranker scores jobs for a user. Implemented by the matching engine.
type Ranker interface {
	Rank(ctx context.Context, userID string, jobIDs []string) ([]domain.MatchScore, []matching.Warning, error)
}

// RankedJob is one feed entry: the listing joined with its match score.
type RankedJob struct {
	Job     domain.JobListing
	Score   domain.MatchScore
	Percent int
}

// Config holds service-level settings.
type Config struct {
	MaxRetries int
	FeedLimit  int
}

// Service implements the user-facing application operations. It owns input
// validation and lifecycle preconditions; the orchestrator owns everything
// that happens after a task is submitted.
type Service struct {
	apps      ApplicationRepository
	users     UserRepository
	jobs      JobRepository
	submitter Submitter
	ranker    Ranker
	vectors   *vectorstore.Store
	trail     *audit.Trail
	cfg       *Config
	logger    *slog.Logger
}

// New creates a Service.
func New(
	apps ApplicationRepository,
	users UserRepository,
	jobs JobRepository,
	submitter Submitter,
	ranker Ranker,
	vectors *vectorstore.Store,
	trail *audit.Trail,
	cfg *Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		apps:      apps,
		users:     users,
		jobs:      jobs,
		submitter: submitter,
		ranker:    ranker,
		vectors:   vectors,
		trail:     trail,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateApplication creates a DRAFTING application and kicks off its
// pipeline. Credentials, when supplied, ride along to the automation stage
// on the pipeline goroutine and are never persisted.
func (s *Service) CreateApplication(ctx context.Context, userID, jobID string, creds *domain.Credentials) (*domain.Application, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("user_id", "must not be empty")
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, domain.NewValidationError("job_id", "must not be empty")
	}

	if _, err := s.users.Get(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}

	now := time.Now()
	app := &domain.Application{
		ApplicationID: uuid.New().String(),
		UserID:        userID,
		JobID:         jobID,
		Status:        domain.StatusDrafting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.apps.Create(ctx, app); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, app.ApplicationID, EventApplicationCreated, "application created", map[string]any{
		"user_id": userID,
		"job_id":  jobID,
	})

	if err := s.submitPipeline(ctx, app.ApplicationID, orchestrator.StageTailor, creds); err != nil {
		// The row must not stay in DRAFTING: nothing will ever pick it up
		// and the unique index would lock the (user, job) pair behind it.
		// FAILED keeps it reachable through an explicit retry.
		if stErr := s.apps.SetStatus(ctx, app.ApplicationID, domain.StatusFailed, ReasonSchedulerBusy); stErr != nil {
			s.logger.Error("Failed to park unscheduled application",
				slog.String("application_id", app.ApplicationID),
				slog.String("error", stErr.Error()),
			)
		}
		return nil, err
	}

	s.logger.Info("Application created",
		slog.String("application_id", app.ApplicationID),
		slog.String("user_id", userID),
		slog.String("job_id", jobID),
	)

	return app, nil
}

// Approve resumes a NEEDS_APPROVAL application at the automation stage.
// Credentials are required here: the pause exists precisely because the
// original request did not carry them.
func (s *Service) Approve(ctx context.Context, applicationID string, creds *domain.Credentials) error {
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return err
	}

	if app.Status != domain.StatusNeedsApproval {
		return fmt.Errorf("%w: cannot approve from %s", domain.ErrInvalidTransition, app.Status)
	}
	if !creds.Present() {
		return domain.NewValidationError("credentials", "username and password are required to approve")
	}
	if s.submitter.IsActive(applicationID) {
		return domain.ErrPipelineActive
	}

	if err := s.apps.MarkApproved(ctx, applicationID); err != nil {
		return err
	}

	if err := s.submitPipeline(ctx, applicationID, orchestrator.StageAutomate, creds); err != nil {
		// Put the approval back on the table; the user can approve again
		// once the backlog clears.
		if stErr := s.apps.SetStatus(ctx, applicationID, domain.StatusNeedsApproval, ""); stErr != nil {
			s.logger.Error("Failed to restore approval gate",
				slog.String("application_id", applicationID),
				slog.String("error", stErr.Error()),
			)
		}
		return err
	}

	s.trail.Record(ctx, applicationID, EventApplicationApproved, "tailored resume approved", nil)

	return nil
}

// Reject fails a NEEDS_APPROVAL application at the user's request and takes
// it out of duplicate-prevention scope so the pair may be applied to again.
func (s *Service) Reject(ctx context.Context, applicationID string) error {
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return err
	}

	if app.Status != domain.StatusNeedsApproval {
		return fmt.Errorf("%w: cannot reject from %s", domain.ErrInvalidTransition, app.Status)
	}

	if err := s.apps.SetStatus(ctx, applicationID, domain.StatusFailed, ReasonRejected); err != nil {
		return err
	}
	if err := s.apps.MarkAbandoned(ctx, applicationID); err != nil {
		return err
	}

	s.trail.Record(ctx, applicationID, EventApplicationRejected, ReasonRejected, nil)

	s.logger.Info("Application rejected",
		slog.String("application_id", applicationID),
	)

	return nil
}

// Retry re-enters a FAILED application at the tailoring stage. Each retry is
// an explicit user request; the counter never resets. Once the configured
// maximum is reached the application is abandoned for good.
func (s *Service) Retry(ctx context.Context, applicationID string, creds *domain.Credentials) error {
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return err
	}

	if app.Status != domain.StatusFailed {
		return fmt.Errorf("%w: cannot retry from %s", domain.ErrInvalidTransition, app.Status)
	}
	// An abandoned record is out of duplicate-prevention scope; reviving it
	// could put two live applications on the same (user, job) pair.
	if app.Abandoned {
		return fmt.Errorf("%w: application was abandoned", domain.ErrRetriesExhausted)
	}
	if s.submitter.IsActive(applicationID) {
		return domain.ErrPipelineActive
	}

	if app.RetryCount >= s.cfg.MaxRetries {
		if err := s.apps.MarkAbandoned(ctx, applicationID); err != nil {
			s.logger.Error("Failed to abandon application",
				slog.String("application_id", applicationID),
				slog.String("error", err.Error()),
			)
		}
		return domain.ErrRetriesExhausted
	}

	if err := s.apps.IncrementRetry(ctx, applicationID); err != nil {
		return err
	}

	s.trail.Record(ctx, applicationID, EventRetryRequested, "retry requested", map[string]any{
		"attempt": app.RetryCount + 1,
	})

	if err := s.submitPipeline(ctx, applicationID, orchestrator.StageTailor, creds); err != nil {
		if stErr := s.apps.SetStatus(ctx, applicationID, domain.StatusFailed, ReasonSchedulerBusy); stErr != nil {
			s.logger.Error("Failed to park unscheduled application",
				slog.String("application_id", applicationID),
				slog.String("error", stErr.Error()),
			)
		}
		return err
	}

	return nil
}

// GetApplication returns one application by id.
func (s *Service) GetApplication(ctx context.Context, applicationID string) (*domain.Application, error) {
	return s.apps.Get(ctx, applicationID)
}

// ListApplications returns the user's applications, newest first.
func (s *Service) ListApplications(ctx context.Context, userID string) ([]domain.Application, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("user_id", "must not be empty")
	}
	return s.apps.ListByUser(ctx, userID)
}

// ListEvents returns the application's audit trail, oldest first.
func (s *Service) ListEvents(ctx context.Context, applicationID string) ([]domain.ApplicationEvent, error) {
	if _, err := s.apps.Get(ctx, applicationID); err != nil {
		return nil, err
	}
	return s.trail.ListFor(ctx, applicationID)
}

// Feed ranks the current job listings for a user. Per-job scoring problems
// come back as warnings, not errors; the feed degrades instead of vanishing.
func (s *Service) Feed(ctx context.Context, userID string) ([]RankedJob, []matching.Warning, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, domain.NewValidationError("user_id", "must not be empty")
	}

	limit := s.cfg.FeedLimit
	if limit <= 0 {
		limit = 50
	}

	jobs, err := s.jobs.List(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(jobs) == 0 {
		return nil, nil, nil
	}

	byID := make(map[string]domain.JobListing, len(jobs))
	jobIDs := make([]string, len(jobs))
	for i, job := range jobs {
		jobIDs[i] = job.JobID
		byID[job.JobID] = job
	}

	scores, warnings, err := s.ranker.Rank(ctx, userID, jobIDs)
	if err != nil {
		return nil, nil, err
	}

	feed := make([]RankedJob, 0, len(scores))
	for _, score := range scores {
		job, ok := byID[score.JobID]
		if !ok {
			continue
		}
		feed = append(feed, RankedJob{
			Job:     job,
			Score:   score,
			Percent: score.Percent(),
		})
	}

	return feed, warnings, nil
}

// UpdateResume replaces the user's resume text and skills and invalidates
// the cached embedding so the next ranking recomputes it.
func (s *Service) UpdateResume(ctx context.Context, userID, resumeText string, skills []string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.NewValidationError("user_id", "must not be empty")
	}
	if strings.TrimSpace(resumeText) == "" {
		return domain.NewValidationError("resume_text", "must not be empty")
	}

	if err := s.users.UpdateResume(ctx, userID, resumeText, skills); err != nil {
		return err
	}

	s.vectors.DropUser(userID)

	s.logger.Info("Resume updated",
		slog.String("user_id", userID),
	)

	return nil
}

func (s *Service) submitPipeline(ctx context.Context, applicationID string, stage orchestrator.Stage, creds *domain.Credentials) error {
	err := s.submitter.Submit(scheduler.Task{
		ApplicationID: applicationID,
		Stage:         stage,
		Credentials:   creds,
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, domain.ErrQueueSaturated) || errors.Is(err, domain.ErrSchedulerStopped) {
		// The application stays where it is; the caller can retry the
		// request once the backlog clears.
		s.logger.Warn("Pipeline submission rejected",
			slog.String("application_id", applicationID),
			slog.String("error", err.Error()),
		)
	}

	return err
}
