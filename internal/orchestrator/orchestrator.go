package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"applyflow/internal/audit"
	"applyflow/internal/capability"
	"applyflow/internal/domain"
)

// Stage identifies a pipeline entry point. A fresh or retried application
// enters at tailoring; an approved one re-enters at automation.
type Stage string

const (
	StageTailor   Stage = "tailor"
	StageAutomate Stage = "automate"
)

// Audit event kinds emitted by the pipeline.
const (
	EventPipelineStarted  = "pipeline_started"
	EventTailorStarted    = "tailor_started"
	EventTailorSucceeded  = "tailor_succeeded"
	EventTailorFailed     = "tailor_failed"
	EventApprovalRequired = "approval_required"
	EventAutomationStart  = "automation_started"
	EventAutomationFailed = "automation_failed"
	EventSubmitted        = "application_submitted"
)

// Failure reasons recorded on the application.
const (
	ReasonTailoringFailed = "tailoring failed"
	ReasonStageTimeout    = "stage timeout"
)

// ApplicationRepository is the persistence surface the pipeline mutates
// state through.
type ApplicationRepository interface {
	Get(ctx context.Context, applicationID string) (*domain.Application, error)
	SetStatus(ctx context.Context, applicationID, status, failureReason string) error
	SetResumeRef(ctx context.Context, applicationID, resumeRef string) error
	MarkSubmitted(ctx context.Context, applicationID string) error
}

// UserRepository supplies the applicant's profile.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// JobRepository supplies the target job listing.
type JobRepository interface {
	Get(ctx context.Context, jobID string) (*domain.JobListing, error)
}

// ArtifactStore persists tailored resumes behind opaque references.
type ArtifactStore interface {
	SaveResume(ctx context.Context, applicationID, text string) (string, error)
	LoadResume(ctx context.Context, ref string) (string, error)
}

// Config holds pipeline execution settings.
type Config struct {
	TailorTimeout     time.Duration
	AutomationTimeout time.Duration
	StageAttempts     int
	StageRetryDelay   time.Duration
	StageBackoffMult  float64
}

// Orchestrator owns the per-application state machine and drives the
// pipeline stages: tailor, gate, automate, finalize. Failures inside a
// stage terminalize the application with a recorded reason; they never
// propagate as panics or crash the worker running the pipeline.
type Orchestrator struct {
	apps      ApplicationRepository
	users     UserRepository
	jobs      JobRepository
	artifacts ArtifactStore
	generator capability.TextGenerator
	automator capability.Automator
	trail     *audit.Trail
	cfg       *Config
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(
	apps ApplicationRepository,
	users UserRepository,
	jobs JobRepository,
	artifacts ArtifactStore,
	generator capability.TextGenerator,
	automator capability.Automator,
	trail *audit.Trail,
	cfg *Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		apps:      apps,
		users:     users,
		jobs:      jobs,
		artifacts: artifacts,
		generator: generator,
		automator: automator,
		trail:     trail,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the pipeline for one application from the given entry stage.
// Credentials, when present, stay on this call stack and are wiped before
// Run returns. The returned error is for the scheduler's log only; every
// pipeline failure is already recorded on the application and its audit
// trail by the time Run returns.
func (o *Orchestrator) Run(ctx context.Context, applicationID string, entry Stage, creds *domain.Credentials) error {
	defer creds.Wipe()

	app, err := o.apps.Get(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("load application: %w", err)
	}

	if app.Status != domain.StatusDrafting {
		return fmt.Errorf("%w: pipeline cannot start from %s", domain.ErrInvalidTransition, app.Status)
	}

	o.trail.Record(ctx, applicationID, EventPipelineStarted, "pipeline started", map[string]any{
		"entry_stage": string(entry),
		"retry_count": app.RetryCount,
	})

	if entry == StageTailor {
		ok, err := o.runTailor(ctx, app)
		if err != nil || !ok {
			return err
		}
	}

	// Cancellation is cooperative and only honored between stages.
	if err := ctx.Err(); err != nil {
		return err
	}

	// Gate: without credentials the pipeline pauses durably until an
	// explicit approval re-supplies them.
	if !creds.Present() {
		if err := o.apps.SetStatus(ctx, app.ApplicationID, domain.StatusNeedsApproval, ""); err != nil {
			return fmt.Errorf("pause for approval: %w", err)
		}
		o.trail.Record(ctx, app.ApplicationID, EventApprovalRequired, "credentials required, waiting for approval", nil)
		return nil
	}

	return o.runAutomation(ctx, app, creds)
}

// runTailor executes stage 1. Returns ok=false when the pipeline was
// terminalized and must not continue.
func (o *Orchestrator) runTailor(ctx context.Context, app *domain.Application) (bool, error) {
	o.trail.Record(ctx, app.ApplicationID, EventTailorStarted, "tailoring resume", map[string]any{
		"job_id": app.JobID,
	})

	user, err := o.users.Get(ctx, app.UserID)
	if err != nil {
		return false, o.failApplication(ctx, app, EventTailorFailed, ReasonTailoringFailed, err)
	}

	job, err := o.jobs.Get(ctx, app.JobID)
	if err != nil {
		return false, o.failApplication(ctx, app, EventTailorFailed, ReasonTailoringFailed, err)
	}

	var tailored string
	err = o.runStage(ctx, o.cfg.TailorTimeout, func(stageCtx context.Context) error {
		var tailorErr error
		tailored, tailorErr = o.generator.Tailor(stageCtx, user.ResumeText, job.Description, job.Requirements)
		return tailorErr
	})
	if err != nil {
		reason := ReasonTailoringFailed
		if errors.Is(err, domain.ErrStageTimeout) {
			reason = ReasonStageTimeout
		}
		return false, o.failApplication(ctx, app, EventTailorFailed, reason, err)
	}

	ref, err := o.artifacts.SaveResume(ctx, app.ApplicationID, tailored)
	if err != nil {
		return false, o.failApplication(ctx, app, EventTailorFailed, ReasonTailoringFailed, err)
	}

	if err := o.apps.SetResumeRef(ctx, app.ApplicationID, ref); err != nil {
		return false, o.failApplication(ctx, app, EventTailorFailed, ReasonTailoringFailed, err)
	}
	app.ResumeRef = ref

	o.trail.Record(ctx, app.ApplicationID, EventTailorSucceeded, "resume tailored", map[string]any{
		"resume_ref": ref,
	})

	return true, nil
}

// runAutomation executes stages 3 and 4. Credentials are wiped as soon as
// the automation call returns, success or not.
func (o *Orchestrator) runAutomation(ctx context.Context, app *domain.Application, creds *domain.Credentials) error {
	o.trail.Record(ctx, app.ApplicationID, EventAutomationStart, "submitting application", map[string]any{
		"job_id": app.JobID,
	})

	user, err := o.users.Get(ctx, app.UserID)
	if err != nil {
		return o.failApplication(ctx, app, EventAutomationFailed, "automation failed", err)
	}

	job, err := o.jobs.Get(ctx, app.JobID)
	if err != nil {
		return o.failApplication(ctx, app, EventAutomationFailed, "automation failed", err)
	}

	// Approval re-entry loads the application fresh, so the artifact
	// reference from the earlier tailor run is already on the record.
	if app.ResumeRef == "" {
		return o.failApplication(ctx, app, EventAutomationFailed, "automation failed",
			errors.New("no tailored resume artifact"))
	}

	resumeText, err := o.artifacts.LoadResume(ctx, app.ResumeRef)
	if err != nil {
		return o.failApplication(ctx, app, EventAutomationFailed, "automation failed", err)
	}

	var outcome *capability.Outcome
	err = o.runStage(ctx, o.cfg.AutomationTimeout, func(stageCtx context.Context) error {
		var applyErr error
		outcome, applyErr = o.automator.Apply(stageCtx, capability.ApplyRequest{
			JobURL:      job.URL,
			Credentials: *creds,
			Profile:     user,
			ResumeText:  resumeText,
		})
		return applyErr
	})
	creds.Wipe()

	if err != nil {
		reason := "automation failed"
		if errors.Is(err, domain.ErrStageTimeout) {
			reason = ReasonStageTimeout
		}
		return o.failApplication(ctx, app, EventAutomationFailed, reason, err)
	}

	if !outcome.Succeeded {
		reason := outcome.ErrorReason
		if reason == "" {
			reason = "automation failed"
		}
		if err := o.apps.SetStatus(ctx, app.ApplicationID, domain.StatusFailed, reason); err != nil {
			return fmt.Errorf("record automation failure: %w", err)
		}
		o.trail.Record(ctx, app.ApplicationID, EventAutomationFailed, reason, map[string]any{
			"screenshot_ref": outcome.ScreenshotRef,
		})
		return nil
	}

	if err := o.apps.MarkSubmitted(ctx, app.ApplicationID); err != nil {
		return fmt.Errorf("finalize submission: %w", err)
	}

	o.trail.Record(ctx, app.ApplicationID, EventSubmitted, "application submitted", nil)

	o.logger.Info("Application submitted",
		slog.String("application_id", app.ApplicationID),
		slog.String("job_id", app.JobID),
	)

	return nil
}

// runStage executes one stage under its wall-clock budget, retrying
// transient capability failures with backoff. A deadline hit maps to
// domain.ErrStageTimeout.
func (o *Orchestrator) runStage(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := o.cfg.StageAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := o.cfg.StageRetryDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(stageCtx)
		if err == nil {
			return nil
		}

		if stageCtx.Err() != nil {
			break
		}

		if !domain.IsTransient(err) {
			return err
		}

		if attempt == attempts {
			break
		}

		o.logger.Warn("Stage attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-stageCtx.Done():
		}
		if o.cfg.StageBackoffMult > 1 {
			delay = time.Duration(float64(delay) * o.cfg.StageBackoffMult)
		}
	}

	if stageCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", domain.ErrStageTimeout, err)
	}

	return err
}

// failApplication terminalizes the application with a human-readable reason
// and records the failure event. The original stage error is returned for
// the scheduler's log.
func (o *Orchestrator) failApplication(ctx context.Context, app *domain.Application, eventKind, reason string, cause error) error {
	// Status writes use a fresh context so a cancelled pipeline still
	// records its outcome.
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := o.apps.SetStatus(writeCtx, app.ApplicationID, domain.StatusFailed, reason); err != nil {
		o.logger.Error("Failed to record pipeline failure",
			slog.String("application_id", app.ApplicationID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}

	o.trail.Record(writeCtx, app.ApplicationID, eventKind, reason, map[string]any{
		"error": cause.Error(),
	})

	o.logger.Warn("Pipeline stage failed",
		slog.String("application_id", app.ApplicationID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)

	return nil
}
