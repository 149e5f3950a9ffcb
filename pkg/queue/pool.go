package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/pkg/services"
)

// WorkerPool manages the polling workers and the per-run cancel registry.
// Worker ids take the form "{hostID}-{uuid}", so every run claimed by this
// process carries the host prefix that startup orphan recovery keys on.
type WorkerPool struct {
	hostID   string
	runs     *services.RunService
	executor RunExecutor
	cfg      PoolConfig
	logger   *slog.Logger

	workers []*Worker

	mu         sync.RWMutex
	activeRuns map[int64]context.CancelFunc
	started    bool
}

// NewWorkerPool creates a pool. hostID is usually the hostname.
func NewWorkerPool(hostID string, runs *services.RunService, executor RunExecutor, cfg PoolConfig) *WorkerPool {
	cfg.applyDefaults()
	return &WorkerPool{
		hostID:     hostID,
		runs:       runs,
		executor:   executor,
		cfg:        cfg,
		logger:     slog.Default().With("component", "queue.pool", "host_id", hostID),
		activeRuns: make(map[int64]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Duplicate calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Starting worker pool", "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		worker := NewWorker(p.newWorkerID(), p.runs, p.executor, p, p.cfg.CheckInterval, p.cfg.BatchSize)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop shuts the pool down: workers stop accepting new claims, in-flight
// runs are cancelled, and the pool waits up to StopTimeout for executors to
// surface terminal states. A forced exit leaves runs in their last-committed
// state; they are no longer QUEUED, so no worker re-claims them.
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool")

	for _, worker := range p.workers {
		worker.SignalStop()
	}

	active := p.activeRunIDs()
	if len(active) > 0 {
		p.logger.Info("Cancelling in-flight runs", "count", len(active), "run_ids", active)
	}
	p.cancelAll()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, worker := range p.workers {
			worker.Wait()
		}
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Error("Worker pool stop timed out, forcing exit", "timeout", p.cfg.StopTimeout)
	}

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// RegisterRun stores a cancel function reachable from the stop action.
func (p *WorkerPool) RegisterRun(runID int64, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes the cancel function when execution ends.
func (p *WorkerPool) UnregisterRun(runID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// CancelRun cancels a run executing on this host. Returns false when the run
// is not executing here (it may be queued, terminal, or on another host).
func (p *WorkerPool) CancelRun(runID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Status reports the pool's view of the world for GET /worker/status.
func (p *WorkerPool) Status(ctx context.Context) *PoolStatus {
	queueDepth, err := p.runs.CountRuns(ctx, models.StatusQueued)
	if err != nil {
		p.logger.Error("Failed to query queue depth", "error", err)
		queueDepth = -1
	}

	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()

	workers := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	var lastTick time.Time
	for i, worker := range p.workers {
		health := worker.Health()
		workers[i] = health
		if health.State == WorkerWorking {
			activeWorkers++
		}
		if health.LastTick.After(lastTick) {
			lastTick = health.LastTick
		}
	}

	return &PoolStatus{
		HostID:        p.hostID,
		Running:       started,
		TotalWorkers:  len(p.workers),
		ActiveWorkers: activeWorkers,
		ActiveRuns:    p.activeRunIDs(),
		QueueDepth:    queueDepth,
		LastTick:      lastTick,
		Workers:       workers,
	}
}

// ProcessOnce performs one synchronous tick: claim up to BatchSize runs and
// execute them on the calling goroutine. It serves POST /worker/process and
// works whether or not the background loop is running.
func (p *WorkerPool) ProcessOnce(ctx context.Context) (int, error) {
	workerID := p.newWorkerID()
	processed := 0
	for processed < p.cfg.BatchSize {
		run, err := p.runs.ClaimNextQueued(ctx, workerID)
		if err != nil {
			if errors.Is(err, services.ErrNoRunsQueued) {
				return processed, nil
			}
			return processed, err
		}
		processed++

		runCtx, cancel := context.WithCancel(ctx)
		p.RegisterRun(run.ID, cancel)
		p.executor.ExecuteRun(runCtx, run)
		p.UnregisterRun(run.ID)
		cancel()
	}
	return processed, nil
}

func (p *WorkerPool) newWorkerID() string {
	return fmt.Sprintf("%s-%s", p.hostID, uuid.New().String())
}

func (p *WorkerPool) cancelAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeRuns {
		cancel()
	}
}

func (p *WorkerPool) activeRunIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
