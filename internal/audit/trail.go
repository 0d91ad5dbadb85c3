package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"applyflow/internal/domain"

	"github.com/google/uuid"
)

// RedactionMarker replaces the value of any sensitive metadata key.
const RedactionMarker = "[REDACTED]"

// sensitiveKeys are matched as substrings of the normalized metadata key.
var sensitiveKeys = []string{
	"password",
	"apikey",
	"secret",
	"token",
	"authorization",
	"credential",
}

// EventStore persists application events.
type EventStore interface {
	InsertEvent(ctx context.Context, event *domain.ApplicationEvent) error
	ListEvents(ctx context.Context, applicationID string) ([]domain.ApplicationEvent, error)
}

// Trail is the append-only audit log for application pipelines. Writes never
// fail the caller: the pipeline being observed must not abort because its
// observer could not persist an event.
type Trail struct {
	store  EventStore
	logger *slog.Logger
}

// NewTrail creates a Trail backed by the given store.
func NewTrail(store EventStore, logger *slog.Logger) *Trail {
	return &Trail{
		store:  store,
		logger: logger,
	}
}

// Record appends one event for the application. Metadata is redacted before
// it is persisted. Persistence errors are logged and swallowed.
func (t *Trail) Record(ctx context.Context, applicationID, kind, message string, metadata map[string]any) {
	event := &domain.ApplicationEvent{
		EventID:       uuid.New().String(),
		ApplicationID: applicationID,
		Kind:          kind,
		Message:       message,
		Metadata:      Sanitize(metadata),
		CreatedAt:     time.Now().UTC(),
	}

	if err := t.store.InsertEvent(ctx, event); err != nil {
		t.logger.Error("Failed to persist audit event",
			slog.String("application_id", applicationID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

// ListFor returns all events for the application ordered by timestamp ascending.
func (t *Trail) ListFor(ctx context.Context, applicationID string) ([]domain.ApplicationEvent, error) {
	return t.store.ListEvents(ctx, applicationID)
}

// Sanitize returns a copy of metadata with the value of every sensitive key
// replaced by the redaction marker, recursively through nested mappings.
// The input is never modified.
func Sanitize(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}

	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if isSensitiveKey(key) {
			out[key] = RedactionMarker
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			out[key] = Sanitize(v)
		case map[string]string:
			nested := make(map[string]any, len(v))
			for nk, nv := range v {
				nested[nk] = nv
			}
			out[key] = Sanitize(nested)
		default:
			out[key] = value
		}
	}

	return out
}

// isSensitiveKey matches case-insensitively, ignoring separators, so
// "API-Key", "api_key" and "ApiKey" all redact.
func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(normalized, sensitive) {
			return true
		}
	}
	return false
}
