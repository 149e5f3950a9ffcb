package models

import (
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusQueued    RunStatus = "QUEUED"
	StatusRunning   RunStatus = "RUNNING"
	StatusPaused    RunStatus = "PAUSED"
	StatusStopped   RunStatus = "STOPPED"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether the status is absorbing: no transitions out,
// no further execution events.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// legalTransitions is the run state machine. Every status change in the
// store is a conditional update against one of these pairs.
var legalTransitions = map[RunStatus][]RunStatus{
	StatusQueued:  {StatusRunning, StatusStopped},
	StatusRunning: {StatusPaused, StatusStopped, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// CanTransition reports whether from→to is a legal state machine edge.
func CanTransition(from, to RunStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunType selects the execution path for a Run.
type RunType string

const (
	TypeAgent    RunType = "agent"
	TypeWorkflow RunType = "workflow"
	TypePipeline RunType = "pipeline"
	TypeTask     RunType = "task"
)

func ValidRunType(t RunType) bool {
	switch t {
	case TypeAgent, TypeWorkflow, TypePipeline, TypeTask:
		return true
	}
	return false
}

// Run is one agent-execution request and its lifecycle record.
type Run struct {
	ID               int64          `json:"id"`
	ProjectID        int64          `json:"project_id"`
	Name             string         `json:"name,omitempty"`
	Goal             string         `json:"goal"`
	RunType          RunType        `json:"run_type"`
	Status           RunStatus      `json:"status"`
	CurrentIteration int            `json:"current_iteration"`
	Options          map[string]any `json:"options,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ClaimedBy        string         `json:"claimed_by,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// RunOptions is the typed view of the recognized Run.Options keys.
// Unrecognized keys are preserved in the stored mapping but ignored here.
type RunOptions struct {
	WorkflowName      string
	Models            map[string]string
	TimeoutSeconds    int
	HeartbeatInterval int
	DryRun            bool
	Verbose           bool
	MaxSteps          int
}

// ParseRunOptions extracts the recognized option keys from the raw mapping.
// Numeric values arrive as float64 after JSON decoding.
func ParseRunOptions(raw map[string]any) RunOptions {
	var opts RunOptions
	if raw == nil {
		return opts
	}
	if v, ok := raw["workflow_name"].(string); ok {
		opts.WorkflowName = v
	}
	if m, ok := raw["models"].(map[string]any); ok {
		opts.Models = make(map[string]string, len(m))
		for role, v := range m {
			if s, ok := v.(string); ok {
				opts.Models[role] = s
			}
		}
	}
	opts.TimeoutSeconds = intOption(raw, "timeout_seconds")
	opts.HeartbeatInterval = intOption(raw, "heartbeat_interval")
	opts.MaxSteps = intOption(raw, "max_steps")
	if v, ok := raw["dry_run"].(bool); ok {
		opts.DryRun = v
	}
	if v, ok := raw["verbose"].(bool); ok {
		opts.Verbose = v
	}
	return opts
}

func intOption(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// RunFilters narrows ListRuns. Zero values mean "no filter".
type RunFilters struct {
	ProjectID int64
	Status    RunStatus
	Limit     int
}

// CreateRunRequest contains fields for creating a run.
type CreateRunRequest struct {
	ProjectID int64          `json:"project_id"`
	Goal      string         `json:"goal"`
	Name      string         `json:"name,omitempty"`
	RunType   RunType        `json:"run_type,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks required fields and normalizes the run type default.
func (r *CreateRunRequest) Validate() *FieldError {
	if r.ProjectID <= 0 {
		return &FieldError{Field: "project_id", Message: "project_id is required"}
	}
	if r.Goal == "" {
		return &FieldError{Field: "goal", Message: "goal is required"}
	}
	if r.RunType == "" {
		r.RunType = TypeAgent
	}
	if !ValidRunType(r.RunType) {
		return &FieldError{Field: "run_type", Message: "run_type must be one of agent, workflow, pipeline, task"}
	}
	return nil
}
