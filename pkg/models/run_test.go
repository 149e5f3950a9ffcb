package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusIsTerminal(t *testing.T) {
	terminal := []RunStatus{StatusStopped, StatusCompleted, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	active := []RunStatus{StatusQueued, StatusRunning, StatusPaused}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to RunStatus }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusStopped},
		{StatusRunning, StatusPaused},
		{StatusPaused, StatusRunning},
		{StatusRunning, StatusStopped},
		{StatusPaused, StatusStopped},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s→%s should be legal", tr.from, tr.to)
	}

	denied := []struct{ from, to RunStatus }{
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusPaused},
		{StatusPaused, StatusCompleted},
		{StatusPaused, StatusFailed},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusQueued},
		{StatusStopped, StatusRunning},
		{StatusRunning, StatusQueued},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s→%s should be illegal", tr.from, tr.to)
	}
}

func TestParseRunOptions(t *testing.T) {
	raw := map[string]any{
		"workflow_name": "site-gen",
		"models": map[string]any{
			"planner": "llama3.1:8b",
			"coder":   "qwen2.5-coder:7b",
		},
		"timeout_seconds":    float64(120),
		"heartbeat_interval": float64(5),
		"max_steps":          10,
		"dry_run":            true,
		"verbose":            false,
		"unknown_key":        "ignored",
	}

	opts := ParseRunOptions(raw)
	assert.Equal(t, "site-gen", opts.WorkflowName)
	assert.Equal(t, "llama3.1:8b", opts.Models["planner"])
	assert.Equal(t, "qwen2.5-coder:7b", opts.Models["coder"])
	assert.Equal(t, 120, opts.TimeoutSeconds)
	assert.Equal(t, 5, opts.HeartbeatInterval)
	assert.Equal(t, 10, opts.MaxSteps)
	assert.True(t, opts.DryRun)
	assert.False(t, opts.Verbose)
}

func TestParseRunOptionsNil(t *testing.T) {
	opts := ParseRunOptions(nil)
	assert.Empty(t, opts.WorkflowName)
	assert.Nil(t, opts.Models)
	assert.Zero(t, opts.TimeoutSeconds)
}

func TestCreateRunRequestValidate(t *testing.T) {
	req := &CreateRunRequest{ProjectID: 1, Goal: "build a landing page"}
	assert.Nil(t, req.Validate())
	assert.Equal(t, TypeAgent, req.RunType, "run_type defaults to agent")

	req = &CreateRunRequest{Goal: "no project"}
	fe := req.Validate()
	if assert.NotNil(t, fe) {
		assert.Equal(t, "project_id", fe.Field)
	}

	req = &CreateRunRequest{ProjectID: 1}
	fe = req.Validate()
	if assert.NotNil(t, fe) {
		assert.Equal(t, "goal", fe.Field)
	}

	req = &CreateRunRequest{ProjectID: 1, Goal: "x", RunType: "cron"}
	fe = req.Validate()
	if assert.NotNil(t, fe) {
		assert.Equal(t, "run_type", fe.Field)
	}
}

func TestCreateProjectRequestValidate(t *testing.T) {
	req := &CreateProjectRequest{Name: "demo", LocalPath: "/tmp/demo"}
	assert.Nil(t, req.Validate())

	req = &CreateProjectRequest{LocalPath: "/tmp/demo"}
	assert.NotNil(t, req.Validate())

	req = &CreateProjectRequest{Name: "demo", LocalPath: "relative/path"}
	fe := req.Validate()
	if assert.NotNil(t, fe) {
		assert.Equal(t, "local_path", fe.Field)
	}
}
