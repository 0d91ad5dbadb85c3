package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"applyflow/internal/audit"
	"applyflow/internal/domain"
	"applyflow/internal/matching"
	"applyflow/internal/orchestrator"
	"applyflow/internal/scheduler"
	"applyflow/internal/vectorstore"
)

type memApps struct {
	mu        sync.Mutex
	apps      map[string]*domain.Application
	createErr error
}

func newMemApps() *memApps {
	return &memApps{apps: map[string]*domain.Application{}}
}

func (m *memApps) put(app *domain.Application) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *app
	m.apps[app.ApplicationID] = &clone
}

func (m *memApps) Create(ctx context.Context, app *domain.Application) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.put(app)
	return nil
}

func (m *memApps) Get(ctx context.Context, applicationID string) (*domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	clone := *app
	return &clone, nil
}

func (m *memApps) ListByUser(ctx context.Context, userID string) ([]domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Application
	for _, app := range m.apps {
		if app.UserID == userID {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (m *memApps) SetStatus(ctx context.Context, applicationID, status, failureReason string) error {
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

func (m *memApps) MarkApproved(ctx context.Context, applicationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	app.Status = domain.StatusDrafting
	now := time.Now()
	app.ApprovedAt = &now
	return nil
}

func (m *memApps) IncrementRetry(ctx context.Context, applicationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	app.Status = domain.StatusDrafting
	app.RetryCount++
	app.FailureReason = ""
	return nil
}

func (m *memApps) MarkAbandoned(ctx context.Context, applicationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[applicationID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	app.Abandoned = true
	return nil
}

type stubUsers struct {
	users   map[string]*domain.UserProfile
	updated map[string]string
}

func (s *stubUsers) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}

func (s *stubUsers) UpdateResume(ctx context.Context, userID, resumeText string, skills []string) error {
	if _, ok := s.users[userID]; !ok {
		return domain.ErrUserNotFound
	}
	if s.updated == nil {
		s.updated = map[string]string{}
	}
	s.updated[userID] = resumeText
	return nil
}

type stubJobs struct {
	jobs []domain.JobListing
}

func (s *stubJobs) Get(ctx context.Context, jobID string) (*domain.JobListing, error) {
	for _, job := range s.jobs {
		if job.JobID == jobID {
			clone := job
			return &clone, nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (s *stubJobs) List(ctx context.Context, limit int) ([]domain.JobListing, error) {
	if limit < len(s.jobs) {
		return append([]domain.JobListing(nil), s.jobs[:limit]...), nil
	}
	return append([]domain.JobListing(nil), s.jobs...), nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	tasks  []scheduler.Task
	err    error
	active map[string]bool
}

func (f *fakeSubmitter) Submit(task scheduler.Task) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeSubmitter) IsActive(applicationID string) bool {
	return f.active[applicationID]
}

func (f *fakeSubmitter) submitted() []scheduler.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Task(nil), f.tasks...)
}

type fakeRanker struct {
	scores   []domain.MatchScore
	warnings []matching.Warning
	err      error
}

func (f *fakeRanker) Rank(ctx context.Context, userID string, jobIDs []string) ([]domain.MatchScore, []matching.Warning, error) {
	return f.scores, f.warnings, f.err
}

type memEventStore struct {
	mu     sync.Mutex
	events []domain.ApplicationEvent
}

func (s *memEventStore) InsertEvent(ctx context.Context, event *domain.ApplicationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *memEventStore) ListEvents(ctx context.Context, applicationID string) ([]domain.ApplicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ApplicationEvent
	for _, event := range s.events {
		if event.ApplicationID == applicationID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *memEventStore) kinds(applicationID string) []string {
	events, _ := s.ListEvents(context.Background(), applicationID)
	out := make([]string, len(events))
	for i, event := range events {
		out[i] = event.Kind
	}
	return out
}

type fixture struct {
	svc       *Service
	apps      *memApps
	users     *stubUsers
	jobs      *stubJobs
	submitter *fakeSubmitter
	ranker    *fakeRanker
	vectors   *vectorstore.Store
	events    *memEventStore
}

func newFixture() *fixture {
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		apps: newMemApps(),
		users: &stubUsers{users: map[string]*domain.UserProfile{
			"user-1": {UserID: "user-1", ResumeText: "resume", Skills: []string{"go"}},
		}},
		jobs: &stubJobs{jobs: []domain.JobListing{
			{JobID: "job-1", Title: "Backend Engineer", URL: "https://jobs.example.com/1"},
			{JobID: "job-2", Title: "Platform Engineer", URL: "https://jobs.example.com/2"},
		}},
		submitter: &fakeSubmitter{active: map[string]bool{}},
		ranker:    &fakeRanker{},
		vectors:   vectorstore.New(),
		events:    &memEventStore{},
	}

	f.svc = New(
		f.apps, f.users, f.jobs, f.submitter, f.ranker, f.vectors,
		audit.NewTrail(f.events, logger),
		&Config{MaxRetries: 3, FeedLimit: 50},
		logger,
	)
	return f
}

func TestCreateApplication(t *testing.T) {
	f := newFixture()
	creds := &domain.Credentials{Username: "user@example.com", Password: "hunter2"}

	app, err := f.svc.CreateApplication(context.Background(), "user-1", "job-1", creds)
	require.NoError(t, err)
	require.NotNil(t, app)

	assert.NotEmpty(t, app.ApplicationID)
	assert.Equal(t, domain.StatusDrafting, app.Status)
	assert.Zero(t, app.RetryCount)

	tasks := f.submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, app.ApplicationID, tasks[0].ApplicationID)
	assert.Equal(t, orchestrator.StageTailor, tasks[0].Stage)
	assert.Same(t, creds, tasks[0].Credentials)

	assert.Equal(t, []string{EventApplicationCreated}, f.events.kinds(app.ApplicationID))
}

func TestCreateApplication_Validation(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name   string
		userID string
		jobID  string
	}{
		{name: "empty user", userID: "", jobID: "job-1"},
		{name: "blank user", userID: "   ", jobID: "job-1"},
		{name: "empty job", userID: "user-1", jobID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateApplication(context.Background(), tt.userID, tt.jobID, nil)
			var vErr *domain.ValidationError
			assert.ErrorAs(t, err, &vErr)
			assert.Empty(t, f.submitter.submitted())
		})
	}
}

func TestCreateApplication_UnknownReferences(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateApplication(context.Background(), "ghost", "job-1", nil)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = f.svc.CreateApplication(context.Background(), "user-1", "ghost", nil)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCreateApplication_Duplicate(t *testing.T) {
	f := newFixture()
	f.apps.createErr = domain.ErrDuplicateApplication

	_, err := f.svc.CreateApplication(context.Background(), "user-1", "job-1", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateApplication)
	assert.Empty(t, f.submitter.submitted())
}

func TestCreateApplication_SubmitFailureParksAsFailed(t *testing.T) {
	f := newFixture()
	f.submitter.err = domain.ErrQueueSaturated

	_, err := f.svc.CreateApplication(context.Background(), "user-1", "job-1", nil)
	assert.ErrorIs(t, err, domain.ErrQueueSaturated)

	// The persisted row must be retryable, not a DRAFTING record nothing
	// will ever schedule.
	apps, listErr := f.apps.ListByUser(context.Background(), "user-1")
	require.NoError(t, listErr)
	require.Len(t, apps, 1)
	assert.Equal(t, domain.StatusFailed, apps[0].Status)
	assert.Equal(t, ReasonSchedulerBusy, apps[0].FailureReason)
	assert.False(t, apps[0].Abandoned)
}

func TestApprove(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{
		ApplicationID: "app-1",
		UserID:        "user-1",
		JobID:         "job-1",
		Status:        domain.StatusNeedsApproval,
	})

	creds := &domain.Credentials{Username: "user@example.com", Password: "hunter2"}
	require.NoError(t, f.svc.Approve(context.Background(), "app-1", creds))

	app, err := f.apps.Get(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDrafting, app.Status)
	assert.NotNil(t, app.ApprovedAt)

	tasks := f.submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, orchestrator.StageAutomate, tasks[0].Stage)

	assert.Equal(t, []string{EventApplicationApproved}, f.events.kinds("app-1"))
}

func TestApprove_RequiresCredentials(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{ApplicationID: "app-1", Status: domain.StatusNeedsApproval})

	err := f.svc.Approve(context.Background(), "app-1", nil)
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)

	err = f.svc.Approve(context.Background(), "app-1", &domain.Credentials{Username: "user@example.com"})
	assert.ErrorAs(t, err, &vErr)

	assert.Empty(t, f.submitter.submitted())
}

func TestApprove_WrongStatus(t *testing.T) {
	f := newFixture()
	creds := &domain.Credentials{Username: "u", Password: "p"}

	for _, status := range []string{domain.StatusDrafting, domain.StatusSubmitted, domain.StatusFailed} {
		f.apps.put(&domain.Application{ApplicationID: "app-" + status, Status: status})
		err := f.svc.Approve(context.Background(), "app-"+status, creds)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, status)
	}
}

func TestApprove_SubmitFailureRestoresApprovalGate(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{ApplicationID: "app-1", Status: domain.StatusNeedsApproval})
	f.submitter.err = domain.ErrQueueSaturated

	creds := &domain.Credentials{Username: "user@example.com", Password: "hunter2"}
	err := f.svc.Approve(context.Background(), "app-1", creds)
	assert.ErrorIs(t, err, domain.ErrQueueSaturated)

	// The approval stays open and no approved event was recorded.
	app, getErr := f.apps.Get(context.Background(), "app-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusNeedsApproval, app.Status)
	assert.Empty(t, f.events.kinds("app-1"))

	// Once the backlog clears the same approval goes through.
	f.submitter.err = nil
	require.NoError(t, f.svc.Approve(context.Background(), "app-1", creds))

	tasks := f.submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, orchestrator.StageAutomate, tasks[0].Stage)
}

func TestApprove_PipelineActive(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{ApplicationID: "app-1", Status: domain.StatusNeedsApproval})
	f.submitter.active["app-1"] = true

	err := f.svc.Approve(context.Background(), "app-1", &domain.Credentials{Username: "u", Password: "p"})
	assert.ErrorIs(t, err, domain.ErrPipelineActive)
}

func TestReject(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{ApplicationID: "app-1", Status: domain.StatusNeedsApproval})

	require.NoError(t, f.svc.Reject(context.Background(), "app-1"))

	app, err := f.apps.Get(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Equal(t, ReasonRejected, app.FailureReason)
	assert.True(t, app.Abandoned)

	assert.Equal(t, []string{EventApplicationRejected}, f.events.kinds("app-1"))
}

func TestReject_WrongStatus(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{ApplicationID: "app-1", Status: domain.StatusSubmitted})

	err := f.svc.Reject(context.Background(), "app-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRetry(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{
		ApplicationID: "app-1",
		Status:        domain.StatusFailed,
		FailureReason: "stage timeout",
		RetryCount:    1,
	})

	require.NoError(t, f.svc.Retry(context.Background(), "app-1", nil))

	app, err := f.apps.Get(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDrafting, app.Status)
	assert.Equal(t, 2, app.RetryCount)
	assert.Empty(t, app.FailureReason)

	tasks := f.submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, orchestrator.StageTailor, tasks[0].Stage)
}

func TestRetry_Exhausted(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{
		ApplicationID: "app-1",
		Status:        domain.StatusFailed,
		RetryCount:    3,
	})

	err := f.svc.Retry(context.Background(), "app-1", nil)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)

	// Exhaustion abandons the record so the (user, job) pair frees up.
	app, getErr := f.apps.Get(context.Background(), "app-1")
	require.NoError(t, getErr)
	assert.True(t, app.Abandoned)
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Empty(t, f.submitter.submitted())
}

func TestRetry_AbandonedApplicationStaysDown(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{
		ApplicationID: "app-old",
		UserID:        "user-1",
		JobID:         "job-1",
		Status:        domain.StatusFailed,
		FailureReason: ReasonRejected,
		Abandoned:     true,
	})

	// The abandoned record freed the (user, job) pair; a replacement
	// application is live for it.
	replacement, err := f.svc.CreateApplication(context.Background(), "user-1", "job-1", nil)
	require.NoError(t, err)

	err = f.svc.Retry(context.Background(), "app-old", nil)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)

	// The old record must not come back to life next to the replacement.
	old, getErr := f.apps.Get(context.Background(), "app-old")
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, old.Status)
	assert.True(t, old.Abandoned)

	tasks := f.submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, replacement.ApplicationID, tasks[0].ApplicationID)
}

func TestRetry_SubmitFailureParksAsFailed(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{
		ApplicationID: "app-1",
		Status:        domain.StatusFailed,
		FailureReason: "stage timeout",
	})
	f.submitter.err = domain.ErrQueueSaturated

	err := f.svc.Retry(context.Background(), "app-1", nil)
	assert.ErrorIs(t, err, domain.ErrQueueSaturated)

	// Not stranded in DRAFTING: a later retry can still pick it up.
	app, getErr := f.apps.Get(context.Background(), "app-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, app.Status)
	assert.Equal(t, ReasonSchedulerBusy, app.FailureReason)
}

func TestRetry_WrongStatus(t *testing.T) {
	f := newFixture()
	f.apps.put(&domain.Application{ApplicationID: "app-1", Status: domain.StatusDrafting})

	err := f.svc.Retry(context.Background(), "app-1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFeed(t *testing.T) {
	f := newFixture()
	f.ranker.scores = []domain.MatchScore{
		{UserID: "user-1", JobID: "job-2", FinalScore: 0.807},
		{UserID: "user-1", JobID: "job-1", FinalScore: 0.5},
	}
	f.ranker.warnings = []matching.Warning{{JobID: "job-1", Reason: "embedding unavailable"}}

	feed, warnings, err := f.svc.Feed(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, feed, 2)
	assert.Equal(t, "job-2", feed[0].Job.JobID)
	assert.Equal(t, "Platform Engineer", feed[0].Job.Title)
	assert.Equal(t, 80, feed[0].Percent)
	assert.Equal(t, "job-1", feed[1].Job.JobID)

	require.Len(t, warnings, 1)
	assert.Equal(t, "job-1", warnings[0].JobID)
}

func TestFeed_NoJobs(t *testing.T) {
	f := newFixture()
	f.jobs.jobs = nil

	feed, warnings, err := f.svc.Feed(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, feed)
	assert.Empty(t, warnings)
}

func TestListEvents_UnknownApplication(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ListEvents(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrApplicationNotFound)
}

func TestUpdateResume_InvalidatesCachedVector(t *testing.T) {
	f := newFixture()
	f.vectors.PutUser("user-1", []float64{1, 0})

	require.NoError(t, f.svc.UpdateResume(context.Background(), "user-1", "new resume", []string{"go", "sql"}))

	_, cached := f.vectors.User("user-1")
	assert.False(t, cached)
	assert.Equal(t, "new resume", f.users.updated["user-1"])
}

func TestUpdateResume_Validation(t *testing.T) {
	f := newFixture()

	var vErr *domain.ValidationError
	assert.ErrorAs(t, f.svc.UpdateResume(context.Background(), "", "resume", nil), &vErr)
	assert.ErrorAs(t, f.svc.UpdateResume(context.Background(), "user-1", "  ", nil), &vErr)
}
