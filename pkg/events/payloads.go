package events

import "strconv"

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// StepStartedPayload is the payload for STEP_STARTED events. Model carries
// the resolved model id after the per-step override chain has been applied.
type StepStartedPayload struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
	Index int    `json:"index"`
}

// StepCompletedPayload is the payload for STEP_COMPLETED events.
type StepCompletedPayload struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
}

// StepFailedPayload is the payload for STEP_FAILED events. Kind is one of
// the workflow error kinds (TIMEOUT, CANCELLED, PROVIDER_ERROR, SHELL_ERROR,
// BAD_PATH, INTERNAL).
type StepFailedPayload struct {
	Name           string  `json:"name"`
	Error          string  `json:"error"`
	Kind           string  `json:"kind"`
	DurationMS     int64   `json:"duration_ms"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// WorkflowStartedPayload is the payload for WORKFLOW_STARTED events.
type WorkflowStartedPayload struct {
	WorkflowName string `json:"workflow_name"`
	Version      string `json:"version,omitempty"`
	Steps        int    `json:"steps"`
}

// WorkflowCompletedPayload is the payload for WORKFLOW_COMPLETED events.
type WorkflowCompletedPayload struct {
	WorkflowName string `json:"workflow_name"`
	Steps        int    `json:"steps"`
	DurationMS   int64  `json:"duration_ms"`
}

// WorkflowFailedPayload is the payload for WORKFLOW_FAILED events.
type WorkflowFailedPayload struct {
	WorkflowName string `json:"workflow_name"`
	Reason       string `json:"reason"`
	Error        string `json:"error,omitempty"`
}

// ShellExecutingPayload is the payload for SHELL_EXECUTING events,
// emitted before the command starts.
type ShellExecutingPayload struct {
	Command string `json:"command"`
}

// ShellCompletedPayload rides on STEP_COMPLETED for SHELL steps: exit code
// plus combined stdout/stderr, truncated to the engine's output bound.
type ShellCompletedPayload struct {
	Name       string `json:"name"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ArtifactCreatedPayload is the payload for ARTIFACT_CREATED events.
// Path is relative to the project workspace.
type ArtifactCreatedPayload struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// LLMEventPayload is the payload for LLM_LOADING_MODEL, LLM_GENERATING,
// LLM_HEARTBEAT and LLM_DONE events. ElapsedSeconds counts from the start
// of the generate call.
type LLMEventPayload struct {
	Model          string  `json:"model"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Error          string  `json:"error,omitempty"`
}

// RunFailedPayload is the payload for RUN_FAILED events. Where names the
// component that surfaced the failure (executor, workflow, worker).
type RunFailedPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Where string `json:"where,omitempty"`
}

// DirectivePayload is the payload for DIRECTIVE events.
type DirectivePayload struct {
	Text string `json:"text"`
}

// RunStatusNotification is the transient payload broadcast on the global
// runs channel when a run changes status. Not persisted; list consumers
// re-read the runs table for authoritative state.
type RunStatusNotification struct {
	RunID  int64  `json:"run_id"`
	Status string `json:"status"`
}
