package domain

import "time"

// Application lifecycle statuses
const (
	StatusDrafting      = "DRAFTING"
	StatusNeedsApproval = "NEEDS_APPROVAL"
	StatusSubmitted     = "SUBMITTED"
	StatusFailed        = "FAILED"
)

// Application represents one job application driven through the pipeline.
// Records are never deleted; a finished application stays in SUBMITTED or FAILED.
type Application struct {
	ApplicationID string     `db:"application_id"`
	UserID        string     `db:"user_id"`
	JobID         string     `db:"job_id"`
	Status        string     `db:"status"`
	ResumeRef     string     `db:"resume_ref"`
	FailureReason string     `db:"failure_reason"`
	RetryCount    int        `db:"retry_count"`
	Abandoned     bool       `db:"abandoned"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	ApprovedAt    *time.Time `db:"approved_at"`
	SubmittedAt   *time.Time `db:"submitted_at"`
}

// transitions lists the allowed status changes. DRAFTING -> DRAFTING covers
// the re-entry of a resumed or retried pipeline.
var transitions = map[string][]string{
	StatusDrafting:      {StatusDrafting, StatusNeedsApproval, StatusSubmitted, StatusFailed},
	StatusNeedsApproval: {StatusDrafting, StatusFailed},
	StatusFailed:        {StatusDrafting},
	StatusSubmitted:     {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves the status.
// FAILED is terminal pending an explicit retry; SUBMITTED is final.
func IsTerminal(status string) bool {
	return status == StatusSubmitted || status == StatusFailed
}

// ApplicationEvent is one append-only audit record for an application.
// Metadata is redacted before it is persisted and is immutable afterwards.
type ApplicationEvent struct {
	EventID       string         `db:"event_id"`
	ApplicationID string         `db:"application_id"`
	Kind          string         `db:"kind"`
	Message       string         `db:"message"`
	Metadata      map[string]any `db:"-"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Credentials are portal login credentials for the automation stage.
// They live on the call stack of the request that supplied them and the
// pipeline goroutine that consumes them, never in the database or the audit
// trail.
type Credentials struct {
	Username string
	Password string
}

// Present reports whether both fields were supplied.
func (c *Credentials) Present() bool {
	return c != nil && c.Username != "" && c.Password != ""
}

// Wipe overwrites the credential values. Called once the automation stage
// has returned so the values do not outlive the call that needed them.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	c.Username = ""
	c.Password = ""
}
