package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/runforge/agentrunner/pkg/metrics"
	"github.com/runforge/agentrunner/pkg/models"
)

// notifyLimit is the safe payload size for pg_notify. PostgreSQL rejects
// payloads of 8000 bytes or more; anything above this is replaced by a
// truncation envelope.
const notifyLimit = 7900

// Envelope is the NOTIFY wire format: the full event row, plus a marker
// when the payload was too large for pg_notify. The Hub restores truncated
// events from the database before fanout.
type Envelope struct {
	models.Event
	Truncated bool `json:"truncated,omitempty"`
}

// Publisher appends events to a run's timeline. Every append inserts the
// row and broadcasts it via pg_notify in the same transaction, so a
// committed event is always observable on both the polling and streaming
// paths.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the shared connection pool.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Append persists one event in its own transaction and broadcasts it.
func (p *Publisher) Append(ctx context.Context, runID int64, eventType string, payload any) (*models.Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	evt, err := p.AppendTx(ctx, tx, runID, eventType, payload)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return evt, nil
}

// AppendTx persists one event inside the caller's transaction and queues
// the NOTIFY on the same transaction (pg_notify is transactional, held
// until COMMIT). Status transitions use this to co-commit the flip and its
// event: either both become visible or neither does.
func (p *Publisher) AppendTx(ctx context.Context, tx *sql.Tx, runID int64, eventType string, payload any) (*models.Event, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	evt := &models.Event{
		RunID:   runID,
		Type:    eventType,
		Payload: payloadJSON,
	}

	// created_at comes from the database clock so that the (created_at, id)
	// order holds across workers on different hosts.
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (run_id, type, payload) VALUES ($1, $2, $3) RETURNING id, created_at`,
		runID, eventType, payloadJSON,
	).Scan(&evt.ID, &evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s event: %w", eventType, err)
	}
	metrics.EventsAppended.WithLabelValues(eventType).Inc()

	notifyPayload, err := buildNotifyPayload(evt)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(runID), notifyPayload); err != nil {
		return nil, fmt.Errorf("pg_notify failed: %w", err)
	}

	return evt, nil
}

// NotifyRunStatus broadcasts a transient status notification on the global
// runs channel. Best-effort: failures are logged, never fatal, because the
// runs table remains authoritative.
func (p *Publisher) NotifyRunStatus(ctx context.Context, runID int64, status models.RunStatus) {
	payloadJSON, err := json.Marshal(RunStatusNotification{RunID: runID, Status: string(status)})
	if err != nil {
		slog.Warn("Failed to marshal run status notification", "run_id", runID, "error", err)
		return
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", GlobalRunsChannel, payloadJSON); err != nil {
		slog.Warn("Failed to notify run status", "run_id", runID, "status", status, "error", err)
	}
}

// marshalPayload renders the event payload as a JSON object. Nil payloads
// become {} so the column never holds SQL NULL.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

// buildNotifyPayload renders the NOTIFY envelope for a persisted event,
// falling back to a truncation envelope when the full row would exceed
// PostgreSQL's NOTIFY payload limit.
func buildNotifyPayload(evt *models.Event) (string, error) {
	full, err := json.Marshal(Envelope{Event: *evt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY envelope: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	truncated := *evt
	truncated.Payload = nil
	envBytes, err := json.Marshal(Envelope{Event: truncated, Truncated: true})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(envBytes), nil
}
