// Package events provides the append-only run event log and its live
// delivery path: every append is persisted to the events table and
// broadcast via PostgreSQL NOTIFY/LISTEN in one transaction, so SSE
// subscribers and polling clients observe the same ids in the same order.
//
// Two delivery paths share the id space:
//
//   - Polling: GET /runs/{id}/events?after_id=K reads the table directly.
//   - Streaming: the SSE handler replays the table past the client's cursor,
//     then forwards live notifications fanned out by the Hub.
//
// The NOTIFY payload is the full event JSON. Payloads that would exceed
// PostgreSQL's 8000-byte NOTIFY limit are replaced by a truncation envelope
// carrying only the routing fields; the Hub restores the full row from the
// database before fanout.
package events

// Run lifecycle event types. These names are the wire contract; polling
// and streaming clients depend on them.
const (
	TypeRunCreated   = "RUN_CREATED"
	TypeRunStarted   = "RUN_STARTED"
	TypeRunPause     = "RUN_PAUSE"
	TypeRunResume    = "RUN_RESUME"
	TypeRunStop      = "RUN_STOP"
	TypeRunCompleted = "RUN_COMPLETED"
	TypeRunFailed    = "RUN_FAILED"
	TypeRunStopped   = "RUN_STOPPED"
)

// Agent path event types.
const (
	TypeAgentThinking = "AGENT_THINKING"
	TypePlanGenerated = "PLAN_GENERATED"
	TypeExecuting     = "EXECUTING"
	TypeDirective     = "DIRECTIVE"
)

// Workflow engine event types.
const (
	TypeWorkflowStarted   = "WORKFLOW_STARTED"
	TypeWorkflowCompleted = "WORKFLOW_COMPLETED"
	TypeWorkflowFailed    = "WORKFLOW_FAILED"
	TypeStepStarted       = "STEP_STARTED"
	TypeStepCompleted     = "STEP_COMPLETED"
	TypeStepFailed        = "STEP_FAILED"
	TypeShellExecuting    = "SHELL_EXECUTING"
	TypeArtifactCreated   = "ARTIFACT_CREATED"
)

// LLM provider event types, forwarded into the owning run's log so clients
// need no additional channel for provider liveness.
const (
	TypeLLMLoadingModel = "LLM_LOADING_MODEL"
	TypeLLMGenerating   = "LLM_GENERATING"
	TypeLLMHeartbeat    = "LLM_HEARTBEAT"
	TypeLLMDone         = "LLM_DONE"
)

// terminalTypes are the event types that end a run's timeline.
var terminalTypes = map[string]bool{
	TypeRunCompleted: true,
	TypeRunFailed:    true,
	TypeRunStopped:   true,
}

// IsTerminalType reports whether the event type closes a run's stream.
func IsTerminalType(eventType string) bool {
	return terminalTypes[eventType]
}

// GlobalRunsChannel carries transient run status notifications for
// list-level consumers (no persistence; the runs table is authoritative).
const GlobalRunsChannel = "runs"

// RunChannel returns the NOTIFY channel name for one run's events.
// Format: "run:{run_id}"
func RunChannel(runID int64) string {
	return "run:" + formatID(runID)
}
