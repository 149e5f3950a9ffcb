// Package llm provides the pluggable text-generation backend used by the
// workflow engine. The provider contract covers three concerns beyond the
// generate call itself: heartbeat events while a call is in flight,
// prompt cancellation via context, and elapsed-time reporting on every
// terminal event.
package llm

import (
	"context"
	"errors"
	"time"
)

// Event is a provider-internal progress signal, forwarded by the engine
// into the owning run's event log.
type Event struct {
	// Type is one of the LLM_* event type names (events.TypeLLM*).
	Type string
	// Model is the model id the call was issued against.
	Model string
	// ElapsedSeconds counts from the start of the generate call.
	ElapsedSeconds float64
	// Err carries the error message on a failed terminal event.
	Err string
}

// EventSink receives provider events. Sinks must not block: they are called
// from the provider's heartbeat goroutine and from the generate path itself.
type EventSink func(Event)

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt string
	Model  string

	// Timeout bounds the call. Zero means the provider default.
	Timeout time.Duration

	// HeartbeatInterval overrides the provider's heartbeat cadence for this
	// call. Zero means the provider default.
	HeartbeatInterval time.Duration

	// OnEvent receives LLM_LOADING_MODEL, LLM_GENERATING, LLM_HEARTBEAT and
	// LLM_DONE. Nil disables event emission.
	OnEvent EventSink
}

// Provider is a generative text backend.
//
// Generate returns the full response text. The call honors ctx cancellation
// at its next suspension point and leaks no background activity past its
// return: heartbeats stop before the terminal event is emitted and before
// Generate returns. Timeout errors satisfy errors.Is(err,
// context.DeadlineExceeded); cancellations satisfy errors.Is(err,
// context.Canceled); everything else is a *BackendError.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Models(ctx context.Context) ([]string, error)
}

// BackendError reports a failure of the generative backend itself, as
// opposed to a timeout or cancellation imposed by the caller.
type BackendError struct {
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	return "llm backend: " + e.Message
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// IsBackendError reports whether err is a backend failure.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
