package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"applyflow/internal/domain"

	"github.com/jmoiron/sqlx"
)

// EventStore persists the append-only application event log.
type EventStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewEventStore creates an EventStore.
func NewEventStore(db *sqlx.DB, logger *slog.Logger) *EventStore {
	return &EventStore{
		db:     db,
		logger: logger,
	}
}

// InsertEvent appends one event. Events are immutable once written.
func (s *EventStore) InsertEvent(ctx context.Context, event *domain.ApplicationEvent) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	query := `
		INSERT INTO application_events (event_id, application_id, kind, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.ApplicationID,
		event.Kind,
		event.Message,
		metadataJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// ListEvents returns all events for one application in insertion order.
// Ordering by seq keeps events written within the same timestamp tick stable.
func (s *EventStore) ListEvents(ctx context.Context, applicationID string) ([]domain.ApplicationEvent, error) {
	query := `
		SELECT event_id, application_id, kind, message, metadata, created_at
		FROM application_events
		WHERE application_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ApplicationEvent
	for rows.Next() {
		var event domain.ApplicationEvent
		var metadataJSON []byte

		if err := rows.Scan(
			&event.EventID,
			&event.ApplicationID,
			&event.Kind,
			&event.Message,
			&metadataJSON,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				s.logger.Warn("Failed to unmarshal event metadata",
					slog.String("event_id", event.EventID),
					slog.String("error", err.Error()),
				)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}
