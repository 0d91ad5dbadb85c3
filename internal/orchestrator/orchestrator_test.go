package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"applyflow/internal/audit"
	"applyflow/internal/capability"
	"applyflow/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEventStore struct {
	mu     sync.Mutex
	events []domain.ApplicationEvent
}

func (m *memEventStore) InsertEvent(_ context.Context, event *domain.ApplicationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *memEventStore) ListEvents(_ context.Context, applicationID string) ([]domain.ApplicationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ApplicationEvent
	for _, e := range m.events {
		if e.ApplicationID == applicationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEventStore) kinds(applicationID string) []string {
	events, _ := m.ListEvents(context.Background(), applicationID)
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type memApps struct {
	mu   sync.Mutex
	apps map[string]*domain.Application
}

func (m *memApps) Get(_ context.Context, applicationID string) (*domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	copied := *app
	return &copied, nil
}

func (m *memApps) SetStatus(_ context.Context, applicationID, status, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	app.Status = status
	app.FailureReason = failureReason
	return nil
}

func (m *memApps) SetResumeRef(_ context.Context, applicationID, resumeRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	app.ResumeRef = resumeRef
	return nil
}

func (m *memApps) MarkSubmitted(_ context.Context, applicationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	now := time.Now()
	app.Status = domain.StatusSubmitted
	app.FailureReason = ""
	app.SubmittedAt = &now
	return nil
}

func (m *memApps) get(applicationID string) domain.Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.apps[applicationID]
}

type stubUsers struct{ user *domain.UserProfile }

func (s *stubUsers) Get(context.Context, string) (*domain.UserProfile, error) {
	if s.user == nil {
		return nil, domain.ErrUserNotFound
	}
	return s.user, nil
}

type stubJobs struct{ job *domain.JobListing }

func (s *stubJobs) Get(context.Context, string) (*domain.JobListing, error) {
	if s.job == nil {
		return nil, domain.ErrJobNotFound
	}
	return s.job, nil
}

type memArtifacts struct {
	mu      sync.Mutex
	resumes map[string]string
}

func (m *memArtifacts) SaveResume(_ context.Context, applicationID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumes == nil {
		m.resumes = make(map[string]string)
	}
	ref := "resumes/" + applicationID
	m.resumes[ref] = text
	return ref, nil
}

func (m *memArtifacts) LoadResume(_ context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.resumes[ref]
	if !ok {
		return "", fmt.Errorf("artifact %s not found", ref)
	}
	return text, nil
}

type stubGenerator struct {
	mu          sync.Mutex
	tailored    string
	tailorErrs  []error
	tailorCalls int
}

func (s *stubGenerator) Tailor(ctx context.Context, _, _ string, _ []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tailorCalls++
	if len(s.tailorErrs) > 0 {
		err := s.tailorErrs[0]
		s.tailorErrs = s.tailorErrs[1:]
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", domain.NewTransientError(capability.NameGeneration, err)
	}
	return s.tailored, nil
}

func (s *stubGenerator) ExtractRequirements(context.Context, string) ([]string, error) {
	return nil, nil
}

func (s *stubGenerator) AnswerQuestions(context.Context, []string, *domain.UserProfile, string) (map[string]string, error) {
	return nil, nil
}

type stubAutomator struct {
	mu        sync.Mutex
	outcome   *capability.Outcome
	err       error
	delay     time.Duration
	lastCreds domain.Credentials
	calls     int
}

func (s *stubAutomator) Apply(ctx context.Context, req capability.ApplyRequest) (*capability.Outcome, error) {
	s.mu.Lock()
	s.calls++
	s.lastCreds = req.Credentials
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.NewTransientError(capability.NameAutomation, ctx.Err())
		}
	}

	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

type fixture struct {
	orch      *Orchestrator
	apps      *memApps
	events    *memEventStore
	generator *stubGenerator
	automator *stubAutomator
	artifacts *memArtifacts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	apps := &memApps{apps: map[string]*domain.Application{
		"app-1": {
			ApplicationID: "app-1",
			UserID:        "user-1",
			JobID:         "job-1",
			Status:        domain.StatusDrafting,
		},
	}}
	events := &memEventStore{}
	generator := &stubGenerator{tailored: "tailored resume"}
	automator := &stubAutomator{outcome: &capability.Outcome{Succeeded: true}}
	artifacts := &memArtifacts{}

	logger := slog.New(slog.DiscardHandler)
	trail := audit.NewTrail(events, logger)

	cfg := &Config{
		TailorTimeout:     time.Second,
		AutomationTimeout: time.Second,
		StageAttempts:     3,
		StageRetryDelay:   time.Millisecond,
		StageBackoffMult:  2,
	}

	orch := New(
		apps,
		&stubUsers{user: &domain.UserProfile{UserID: "user-1", ResumeText: "resume", FullName: "Alice"}},
		&stubJobs{job: &domain.JobListing{JobID: "job-1", URL: "https://jobs.example.com/1", Description: "desc"}},
		artifacts,
		generator,
		automator,
		trail,
		cfg,
		logger,
	)

	return &fixture{orch: orch, apps: apps, events: events, generator: generator, automator: automator, artifacts: artifacts}
}

func TestRun_WithoutCredentialsPausesForApproval(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Run(context.Background(), "app-1", StageTailor, nil)
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusNeedsApproval, app.Status)
	assert.NotEmpty(t, app.ResumeRef)
	assert.Zero(t, f.automator.calls, "automation must never run without credentials")

	assert.Equal(t, []string{
		EventPipelineStarted,
		EventTailorStarted,
		EventTailorSucceeded,
		EventApprovalRequired,
	}, f.events.kinds("app-1"))
}

func TestRun_WithCredentialsSubmits(t *testing.T) {
	f := newFixture(t)

	creds := &domain.Credentials{Username: "alice", Password: "hunter2"}
	err := f.orch.Run(context.Background(), "app-1", StageTailor, creds)
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusSubmitted, app.Status)
	require.NotNil(t, app.SubmittedAt)
	assert.Equal(t, 1, f.automator.calls)

	// Credentials were passed by value for the call and wiped afterwards.
	assert.Equal(t, "alice", f.automator.lastCreds.Username)
	assert.Empty(t, creds.Username)
	assert.Empty(t, creds.Password)

	assert.Equal(t, []string{
		EventPipelineStarted,
		EventTailorStarted,
		EventTailorSucceeded,
		EventAutomationStart,
		EventSubmitted,
	}, f.events.kinds("app-1"))
}

func TestRun_TailorPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.generator.tailorErrs = []error{
		domain.NewPermanentError(capability.NameGeneration, errors.New("prompt rejected")),
	}

	err := f.orch.Run(context.Background(), "app-1", StageTailor, &domain.Credentials{Username: "a", Password: "b"})
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Equal(t, ReasonTailoringFailed, app.FailureReason)
	assert.Zero(t, f.automator.calls, "automation is never attempted without a tailored resume")
	assert.Equal(t, 1, f.generator.tailorCalls, "permanent failures are not retried")

	assert.Contains(t, f.events.kinds("app-1"), EventTailorFailed)
}

func TestRun_TailorTransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.generator.tailorErrs = []error{
		domain.NewTransientError(capability.NameGeneration, errors.New("rate limited")),
		domain.NewTransientError(capability.NameGeneration, errors.New("rate limited")),
	}

	err := f.orch.Run(context.Background(), "app-1", StageTailor, &domain.Credentials{Username: "a", Password: "b"})
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusSubmitted, app.Status)
	assert.Equal(t, 3, f.generator.tailorCalls)
}

func TestRun_TransientFailuresExhaustAttempts(t *testing.T) {
	f := newFixture(t)
	f.generator.tailorErrs = []error{
		domain.NewTransientError(capability.NameGeneration, errors.New("rate limited")),
		domain.NewTransientError(capability.NameGeneration, errors.New("rate limited")),
		domain.NewTransientError(capability.NameGeneration, errors.New("rate limited")),
	}

	err := f.orch.Run(context.Background(), "app-1", StageTailor, &domain.Credentials{Username: "a", Password: "b"})
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Equal(t, ReasonTailoringFailed, app.FailureReason)
	assert.Equal(t, 3, f.generator.tailorCalls)
}

func TestRun_AutomationOutcomeFailure(t *testing.T) {
	f := newFixture(t)
	f.automator.outcome = &capability.Outcome{
		Succeeded:     false,
		ErrorReason:   "login timeout",
		ScreenshotRef: "screenshots/x.png",
	}

	err := f.orch.Run(context.Background(), "app-1", StageTailor, &domain.Credentials{Username: "a", Password: "b"})
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Equal(t, "login timeout", app.FailureReason)
	assert.Zero(t, app.RetryCount, "only an explicit retry increments the counter")

	events, _ := f.events.ListEvents(context.Background(), "app-1")
	var failureEvent *domain.ApplicationEvent
	for i := range events {
		if events[i].Kind == EventAutomationFailed {
			failureEvent = &events[i]
		}
	}
	require.NotNil(t, failureEvent)
	assert.Equal(t, "screenshots/x.png", failureEvent.Metadata["screenshot_ref"])
}

func TestRun_AutomationStageTimeout(t *testing.T) {
	f := newFixture(t)
	f.orch.cfg.AutomationTimeout = 10 * time.Millisecond
	f.automator.delay = 200 * time.Millisecond

	err := f.orch.Run(context.Background(), "app-1", StageTailor, &domain.Credentials{Username: "a", Password: "b"})
	require.NoError(t, err)

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Equal(t, ReasonStageTimeout, app.FailureReason)
}

func TestRun_ApprovalReentrySkipsTailor(t *testing.T) {
	f := newFixture(t)

	// First pass pauses at the gate.
	require.NoError(t, f.orch.Run(context.Background(), "app-1", StageTailor, nil))
	require.Equal(t, domain.StatusNeedsApproval, f.apps.get("app-1").Status)

	// Approval resets the status and re-enters at automation.
	require.NoError(t, f.apps.SetStatus(context.Background(), "app-1", domain.StatusDrafting, ""))
	tailorCallsBefore := f.generator.tailorCalls

	creds := &domain.Credentials{Username: "alice", Password: "hunter2"}
	require.NoError(t, f.orch.Run(context.Background(), "app-1", StageAutomate, creds))

	app := f.apps.get("app-1")
	assert.Equal(t, domain.StatusSubmitted, app.Status)
	assert.Equal(t, tailorCallsBefore, f.generator.tailorCalls, "approved pipelines re-enter at automation")
}

func TestRun_RejectsNonDraftingStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.apps.SetStatus(context.Background(), "app-1", domain.StatusSubmitted, ""))

	err := f.orch.Run(context.Background(), "app-1", StageTailor, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRun_UnknownApplication(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Run(context.Background(), "missing", StageTailor, nil)
	assert.ErrorIs(t, err, domain.ErrApplicationNotFound)
}
