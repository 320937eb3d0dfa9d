package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// AppendEvent stores an event in the append-only log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	data := []byte("{}")
	if len(event.Data) > 0 {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	query := `
		INSERT INTO events (id, type, run_id, step, workspace_id, resource_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.RunID,
		event.Step,
		event.WorkspaceID,
		event.ResourceID,
		event.Level,
		event.Message,
		string(data),
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run oldest first. A limit of zero
// returns every event.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]telemetry.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, type, run_id, step, workspace_id, resource_id, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			e    telemetry.Event
			data string
		)
		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.RunID,
			&e.Step,
			&e.WorkspaceID,
			&e.ResourceID,
			&e.Level,
			&e.Message,
			&data,
			&e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSink returns a subscriber that persists every published event.
// Write failures are logged and otherwise ignored.
func (s *SQLiteStore) EventSink(logger *telemetry.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, event); err != nil {
			logger.WithError(err).Warnf("dropped event %s", event.Type)
		}
	}
}
