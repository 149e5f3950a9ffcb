package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/runforge/agentrunner/pkg/llm"
)

// Step failure kinds carried on STEP_FAILED and RUN_FAILED payloads.
const (
	KindTimeout       = "TIMEOUT"
	KindCancelled     = "CANCELLED"
	KindProviderError = "PROVIDER_ERROR"
	KindShellError    = "SHELL_ERROR"
	KindBadPath       = "BAD_PATH"
	KindInternal      = "INTERNAL"
)

// StepError reports the failure of a single workflow step. Elapsed is
// wall-clock seconds from step start to failure. Cause keeps the underlying
// error reachable through errors.Is, so a cancelled step still matches
// context.Canceled the same way a cancellation between steps does.
type StepError struct {
	Step    string
	Kind    string
	Message string
	Elapsed float64
	Cause   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %s", e.Step, e.Kind, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// ErrCancelled is returned by Execute when the run's context was cancelled
// before the workflow could finish. Satisfies errors.Is(err, context.Canceled).
var ErrCancelled = fmt.Errorf("workflow cancelled: %w", context.Canceled)

// classifyStepError maps a provider or execution error to a StepError kind.
func classifyStepError(stepName string, err error, elapsed float64) *StepError {
	kind := KindInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case llm.IsBackendError(err):
		kind = KindProviderError
	}
	return &StepError{Step: stepName, Kind: kind, Message: err.Error(), Elapsed: elapsed, Cause: err}
}
