package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/runforge/agentrunner/pkg/metrics"
	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/pkg/services"
)

// Worker is a single polling loop: sleep, check for shutdown, claim up to
// batch runs, execute them serially.
type Worker struct {
	id       string
	runs     *services.RunService
	executor RunExecutor
	registry RunRegistry
	interval time.Duration
	batch    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	state         WorkerState
	currentRunID  int64
	runsProcessed int
	lastTick      time.Time
}

// NewWorker creates a worker. id must be unique across all live workers
// hitting the store; it becomes the runs' claimed_by value.
func NewWorker(id string, runs *services.RunService, executor RunExecutor, registry RunRegistry, interval time.Duration, batch int) *Worker {
	return &Worker{
		id:       id,
		runs:     runs,
		executor: executor,
		registry: registry,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
		state:    WorkerIdle,
		lastTick: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// SignalStop asks the loop to exit without waiting. Safe to call repeatedly.
func (w *Worker) SignalStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Stop signals the worker and waits for the current run to finish.
func (w *Worker) Stop() {
	w.SignalStop()
	w.wg.Wait()
}

// Wait blocks until the loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Health returns a snapshot of the worker's state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		State:         w.state,
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastTick:      w.lastTick,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started", "check_interval", w.interval)

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			claimed, err := w.claimBatch(ctx)
			switch {
			case err != nil:
				log.Error("Error processing queue", "error", err)
				w.sleep(time.Second)
			case claimed == 0:
				w.sleep(w.pollInterval())
			}
		}
	}
}

// claimBatch claims and executes up to batch runs. Returns how many it ran.
func (w *Worker) claimBatch(ctx context.Context) (int, error) {
	claimed := 0
	for claimed < w.batch {
		w.markTick()
		if w.stopping() || ctx.Err() != nil {
			return claimed, nil
		}

		run, err := w.runs.ClaimNextQueued(ctx, w.id)
		if err != nil {
			if errors.Is(err, services.ErrNoRunsQueued) {
				return claimed, nil
			}
			return claimed, err
		}
		claimed++
		w.execute(ctx, run)
	}
	return claimed, nil
}

// execute runs one claimed run under a per-run cancellable context that the
// pool can reach for stop actions.
func (w *Worker) execute(ctx context.Context, run *models.Run) {
	metrics.RunsClaimed.Inc()
	log := slog.With("worker_id", w.id, "run_id", run.ID)
	log.Info("Run claimed")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if w.registry != nil {
		w.registry.RegisterRun(run.ID, cancel)
		defer w.registry.UnregisterRun(run.ID)
	}

	w.setState(WorkerWorking, run.ID)
	defer w.setState(WorkerIdle, 0)

	w.executor.ExecuteRun(runCtx, run)

	// Terminal status for the finished-runs counter; the executor has
	// already committed it.
	final, err := w.runs.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		log.Warn("Failed to read terminal status", "error", err)
		return
	}
	metrics.RunsFinished.WithLabelValues(string(final.Status)).Inc()

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()
	log.Info("Run processing complete", "status", final.Status)
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval jitters the check interval by ±10% so workers sharing a store
// spread their claim attempts.
func (w *Worker) pollInterval() time.Duration {
	jitter := w.interval / 10
	if jitter <= 0 {
		return w.interval
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return w.interval - jitter + offset
}

func (w *Worker) setState(state WorkerState, runID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	w.currentRunID = runID
	w.lastTick = time.Now()
}

func (w *Worker) markTick() {
	w.mu.Lock()
	w.lastTick = time.Now()
	w.mu.Unlock()
}
