// Package queue provides the background worker pool that claims QUEUED runs
// and drives them through the executor.
package queue

import (
	"context"
	"time"

	"github.com/runforge/agentrunner/pkg/models"
)

// RunExecutor processes one claimed run to a terminal status. The pool hands
// it a per-run cancellable context; a stop action or shutdown cancels it.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, run *models.Run)
}

// RunRegistry is the subset of WorkerPool workers use to expose per-run
// cancellation.
type RunRegistry interface {
	RegisterRun(runID int64, cancel context.CancelFunc)
	UnregisterRun(runID int64)
}

// WorkerState is the current state of a single worker.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerWorking WorkerState = "working"
)

// WorkerHealth is one worker's slice of the pool status.
type WorkerHealth struct {
	ID            string      `json:"id"`
	State         WorkerState `json:"state"`
	CurrentRunID  int64       `json:"current_run_id,omitempty"`
	RunsProcessed int         `json:"runs_processed"`
	LastTick      time.Time   `json:"last_tick"`
}

// PoolStatus is the worker status surface behind GET /worker/status.
type PoolStatus struct {
	HostID        string         `json:"host_id"`
	Running       bool           `json:"running"`
	TotalWorkers  int            `json:"total_workers"`
	ActiveWorkers int            `json:"active_workers"`
	ActiveRuns    []int64        `json:"active_runs"`
	QueueDepth    int            `json:"queue_depth"`
	LastTick      time.Time      `json:"last_tick"`
	Workers       []WorkerHealth `json:"workers"`
}

// PoolConfig carries the tunables the worker loop honors.
type PoolConfig struct {
	// WorkerCount is the number of polling goroutines.
	WorkerCount int

	// CheckInterval is the sleep between empty polls.
	CheckInterval time.Duration

	// BatchSize caps how many runs one poll may claim back to back.
	BatchSize int

	// StopTimeout bounds the graceful-shutdown wait after in-flight runs
	// are cancelled.
	StopTimeout time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
}
