package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/models"
)

const (
	// defaultEventLimit applies when a list request carries no limit.
	defaultEventLimit = 100
	// maxEventLimit caps a single page regardless of the requested limit.
	maxEventLimit = 1000
)

// EventService reads and appends run events. Appends lock the run row with
// FOR NO KEY UPDATE, which conflicts both with status transitions (FOR
// UPDATE) and with other appends. Serializing appends per run keeps the id
// sequence aligned with commit order: once an event id is visible to a
// reader, every lower id on that run is visible too, so cursor-based
// clients never skip over a late-committing event. The terminal guard rides
// the same lock: once a terminal flip commits, no later append can slip an
// event behind the terminal one.
type EventService struct {
	client    *database.Client
	publisher *events.Publisher
}

// NewEventService creates a new EventService
func NewEventService(client *database.Client, publisher *events.Publisher) *EventService {
	return &EventService{client: client, publisher: publisher}
}

// Append appends one event to a non-terminal run's log. Returns
// ErrRunTerminal when the run has already reached a terminal status and
// ErrNotFound when the run does not exist.
func (s *EventService) Append(callerCtx context.Context, runID int64, eventType string, payload any) (*models.Event, error) {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status models.RunStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1 FOR NO KEY UPDATE`, runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to check run status: %w", err)
	}
	if status.IsTerminal() {
		return nil, fmt.Errorf("run %d is %s: %w", runID, status, ErrRunTerminal)
	}

	evt, err := s.publisher.AppendTx(ctx, tx, runID, eventType, payload)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return evt, nil
}

// AppendDirective appends a DIRECTIVE event carrying operator guidance. It
// never changes the run's status; directives to terminal runs are rejected.
func (s *EventService) AppendDirective(httpCtx context.Context, runID int64, req models.DirectiveRequest) (*models.Event, error) {
	if fe := req.Validate(); fe != nil {
		return nil, NewValidationError(fe.Field, fe.Message)
	}
	return s.Append(httpCtx, runID, events.TypeDirective, events.DirectivePayload{Text: req.Text})
}

// List returns events for a run with id > afterID, ordered by
// (created_at, id). afterID = 0 reads from the beginning.
func (s *EventService) List(ctx context.Context, runID, afterID int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	// Distinguish a missing run from a run with no events yet.
	var exists bool
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to verify run: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT id, run_id, type, payload, created_at
		FROM events
		WHERE run_id = $1 AND id > $2
		ORDER BY created_at, id
		LIMIT $3`,
		runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	evts := make([]*models.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evts = append(evts, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return evts, nil
}

// GetEvent retrieves one event by run and event id. Satisfies
// events.EventFetcher for restoring truncated NOTIFY envelopes.
func (s *EventService) GetEvent(ctx context.Context, runID, eventID int64) (*models.Event, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT id, run_id, type, payload, created_at
		FROM events
		WHERE id = $1 AND run_id = $2`,
		eventID, runID)

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return evt, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var evt models.Event
	if err := row.Scan(&evt.ID, &evt.RunID, &evt.Type, &evt.Payload, &evt.CreatedAt); err != nil {
		return nil, err
	}
	return &evt, nil
}
