package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"applyflow/internal/audit"
	"applyflow/internal/domain"
	"applyflow/internal/orchestrator"
)

// EventApprovalExpired is recorded when the sweeper fails an application
// that waited for approval past its TTL.
const EventApprovalExpired = "approval_expired"

// ReasonApprovalExpired is the failure reason the sweeper records.
const ReasonApprovalExpired = "approval expired"

// Task is one pipeline invocation for one application.
type Task struct {
	ApplicationID string
	Stage         orchestrator.Stage
	Credentials   *domain.Credentials
}

// Runner executes one pipeline run. Implemented by the orchestrator.
type Runner interface {
	Run(ctx context.Context, applicationID string, entry orchestrator.Stage, creds *domain.Credentials) error
}

// ApprovalExpirer is the repository surface the expiry sweeper needs.
type ApprovalExpirer interface {
	ListStaleNeedsApproval(ctx context.Context, cutoff time.Time) ([]domain.Application, error)
	SetStatus(ctx context.Context, applicationID, status, failureReason string) error
}

// Config holds scheduler settings.
type Config struct {
	Workers       int
	QueueSize     int
	ApprovalTTL   time.Duration
	SweepInterval time.Duration
}

// Scheduler runs orchestrator pipelines on a bounded worker pool without
// blocking the request path. At most one pipeline runs per application at
// any time; a second submission while one is active is rejected, which is
// what turns a duplicate approve click into a no-op instead of a race.
type Scheduler struct {
	runner  Runner
	expirer ApprovalExpirer
	trail   *audit.Trail
	cfg     *Config
	logger  *slog.Logger

	tasks    chan Task
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}
	stopped bool
}

// New creates a Scheduler. The expirer and trail may be nil when approval
// expiry is disabled.
func New(runner Runner, expirer ApprovalExpirer, trail *audit.Trail, cfg *Config, logger *slog.Logger) *Scheduler {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Scheduler{
		runner:   runner,
		expirer:  expirer,
		trail:    trail,
		cfg:      cfg,
		logger:   logger,
		tasks:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
		active:   make(map[string]struct{}),
	}
}

// Start spawns the worker pool and, when configured, the approval-expiry
// sweeper. Workers stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	s.logger.Info("Starting pipeline scheduler",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(s.tasks)),
	)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}

	if s.expirer != nil && s.cfg.ApprovalTTL > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
}

// Stop drains the pool. In-flight pipelines run to their next stage
// boundary; queued tasks are abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("Pipeline scheduler stopped")
}

// Submit enqueues a pipeline run. Returns domain.ErrPipelineActive when a
// pipeline is already queued or running for the application, so callers can
// surface the conflict instead of racing.
func (s *Scheduler) Submit(task Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.ErrSchedulerStopped
	}
	if _, running := s.active[task.ApplicationID]; running {
		s.mu.Unlock()
		return domain.ErrPipelineActive
	}
	s.active[task.ApplicationID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.tasks <- task:
		return nil
	default:
		s.release(task.ApplicationID)
		return domain.ErrQueueSaturated
	}
}

// IsActive reports whether a pipeline is queued or running for the
// application.
func (s *Scheduler) IsActive(applicationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.active[applicationID]
	return running
}

func (s *Scheduler) release(applicationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, applicationID)
}

func (s *Scheduler) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return

		case <-ctx.Done():
			return

		case task := <-s.tasks:
			s.runTask(ctx, workerNum, task)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, workerNum int, task Task) {
	defer s.release(task.ApplicationID)
	defer task.Credentials.Wipe()

	s.logger.Info("Pipeline started",
		slog.Int("worker", workerNum),
		slog.String("application_id", task.ApplicationID),
		slog.String("entry_stage", string(task.Stage)),
	)

	if err := s.runner.Run(ctx, task.ApplicationID, task.Stage, task.Credentials); err != nil {
		// The orchestrator has already terminalized the application;
		// this is observability for the operator, not control flow.
		s.logger.Error("Pipeline run failed",
			slog.Int("worker", workerNum),
			slog.String("application_id", task.ApplicationID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("Pipeline finished",
		slog.Int("worker", workerNum),
		slog.String("application_id", task.ApplicationID),
	)
}

// sweepLoop fails applications that sat in NEEDS_APPROVAL past the TTL.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredApprovals(ctx)
		}
	}
}

func (s *Scheduler) sweepExpiredApprovals(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ApprovalTTL)

	stale, err := s.expirer.ListStaleNeedsApproval(ctx, cutoff)
	if err != nil {
		s.logger.Error("Approval sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, app := range stale {
		// Skip anything with a pipeline in flight; the next sweep will
		// see its settled state.
		if s.IsActive(app.ApplicationID) {
			continue
		}

		if err := s.expirer.SetStatus(ctx, app.ApplicationID, domain.StatusFailed, ReasonApprovalExpired); err != nil {
			s.logger.Error("Failed to expire approval",
				slog.String("application_id", app.ApplicationID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if s.trail != nil {
			s.trail.Record(ctx, app.ApplicationID, EventApprovalExpired,
				fmt.Sprintf("no approval within %s", s.cfg.ApprovalTTL), nil)
		}

		s.logger.Info("Approval expired",
			slog.String("application_id", app.ApplicationID),
		)
	}
}
