package models

import (
	"encoding/json"
	"time"
)

// Event is one immutable record in a Run's timeline. Events are append-only;
// total order within a Run is (created_at, id) with id breaking ties.
type Event struct {
	ID        int64           `json:"id"`
	RunID     int64           `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DirectiveRequest is the body of POST /runs/{id}/directive.
type DirectiveRequest struct {
	Text string `json:"text"`
}

func (r *DirectiveRequest) Validate() *FieldError {
	if r.Text == "" {
		return &FieldError{Field: "text", Message: "text is required"}
	}
	return nil
}

// EventsResponse is the polling response for GET /runs/{id}/events.
// LastID is the high-water cursor the client passes back as after_id.
type EventsResponse struct {
	Events []*Event `json:"events"`
	LastID int64    `json:"last_id"`
}
