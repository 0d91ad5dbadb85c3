package scheduler

import (
	"context"

	"applyflow/internal/capability"
	"applyflow/internal/domain"
)

// SessionLimiter bounds concurrent browser sessions independently of the
// worker pool size. Workers in the tailoring stage do not hold a slot, so a
// few heavyweight automation sessions never starve cheap text work.
type SessionLimiter struct {
	inner capability.Automator
	slots chan struct{}
}

// NewSessionLimiter wraps an automator so at most maxSessions Apply calls
// run at once.
func NewSessionLimiter(inner capability.Automator, maxSessions int) *SessionLimiter {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &SessionLimiter{
		inner: inner,
		slots: make(chan struct{}, maxSessions),
	}
}

// Apply acquires a session slot, respecting the stage deadline while
// waiting, and releases it when the underlying automator returns.
func (l *SessionLimiter) Apply(ctx context.Context, req capability.ApplyRequest) (*capability.Outcome, error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, domain.NewTransientError(capability.NameAutomation, ctx.Err())
	}
	defer func() { <-l.slots }()

	return l.inner.Apply(ctx, req)
}

// InUse reports how many sessions are currently held.
func (l *SessionLimiter) InUse() int {
	return len(l.slots)
}
