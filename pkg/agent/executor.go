// Package agent executes claimed runs. The executor routes each run to
// either a named workflow or the simple simulated path, appends lifecycle
// events as work proceeds, and drives the run to its terminal status.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/pkg/services"
	"github.com/runforge/agentrunner/pkg/workflow"
)

// defaultStepDelay paces the simple path so a watching client sees a
// readable timeline rather than a burst.
const defaultStepDelay = 500 * time.Millisecond

// Executor turns a claimed run into a terminal one.
type Executor struct {
	runs     *services.RunService
	eventLog *services.EventService
	projects *services.ProjectService
	registry *workflow.Registry
	engine   *workflow.Engine

	stepDelay time.Duration
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepDelay overrides the simple-path pacing (shortened in tests).
func WithStepDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stepDelay = d
		}
	}
}

// NewExecutor creates an executor over the given services. registry and
// engine may be nil when workflow runs are not needed (such runs then fall
// back to the simple path only if they name no workflow, and fail otherwise).
func NewExecutor(runs *services.RunService, eventLog *services.EventService, projects *services.ProjectService, registry *workflow.Registry, engine *workflow.Engine, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runs:      runs,
		eventLog:  eventLog,
		projects:  projects,
		registry:  registry,
		engine:    engine,
		stepDelay: defaultStepDelay,
		logger:    slog.Default().With("component", "agent.executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteRun drives one claimed run to a terminal status. ctx is the run's
// cancellable context; a stop action cancels it through the worker pool.
// ExecuteRun never returns an error to the worker loop: every failure is
// recorded on the run itself.
func (e *Executor) ExecuteRun(ctx context.Context, run *models.Run) {
	log := e.logger.With("run_id", run.ID, "run_type", run.RunType)
	log.Info("Executing run", "goal", run.Goal)

	opts := models.ParseRunOptions(run.Options)

	var err error
	var where string
	if e.isWorkflowRun(run, opts) {
		where = "workflow"
		err = e.runWorkflow(ctx, run, opts)
	} else {
		where = "executor"
		err = e.runSimplePath(ctx, run)
	}

	switch {
	case err == nil:
		done, completeErr := e.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, nil)
		if completeErr != nil {
			log.Error("Failed to complete run", "error", completeErr)
			return
		}
		if done {
			log.Info("Run completed")
		}
	case errors.Is(err, context.Canceled):
		e.recordStopped(ctx, run, log)
	default:
		e.recordFailed(ctx, run, err, where, log)
	}
}

// isWorkflowRun applies the dispatch rule: run_type workflow plus a
// registered workflow name selects the engine path.
func (e *Executor) isWorkflowRun(run *models.Run, opts models.RunOptions) bool {
	if run.RunType != models.TypeWorkflow || opts.WorkflowName == "" {
		return false
	}
	if e.registry == nil {
		return false
	}
	_, ok := e.registry.Get(opts.WorkflowName)
	return ok
}

func (e *Executor) runWorkflow(ctx context.Context, run *models.Run, opts models.RunOptions) error {
	def, ok := e.registry.Get(opts.WorkflowName)
	if !ok {
		return fmt.Errorf("workflow %q is not registered", opts.WorkflowName)
	}

	project, err := e.projects.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %d: %w", run.ProjectID, err)
	}

	if _, err := e.eventLog.Append(ctx, run.ID, events.TypeRunStarted, nil); err != nil {
		return e.mapAppendError(err)
	}

	emit := func(eventType string, payload any) error {
		_, appendErr := e.eventLog.Append(ctx, run.ID, eventType, payload)
		return appendErr
	}
	status := func(statusCtx context.Context) (models.RunStatus, error) {
		current, getErr := e.runs.GetRun(statusCtx, run.ID)
		if getErr != nil {
			return "", getErr
		}
		return current.Status, nil
	}

	return e.engine.Execute(ctx, run, def, project.LocalPath, emit, status)
}

// simplePathSteps is the fixed simulated timeline: it exercises the whole
// control plane without a live provider.
var simplePathSteps = []struct {
	eventType string
	payload   any
}{
	{events.TypeRunStarted, nil},
	{events.TypeAgentThinking, map[string]any{"detail": "analyzing goal"}},
	{events.TypePlanGenerated, map[string]any{"plan": "1. analyze goal 2. execute plan 3. report"}},
	{events.TypeExecuting, map[string]any{"detail": "carrying out plan"}},
}

func (e *Executor) runSimplePath(ctx context.Context, run *models.Run) error {
	for i, step := range simplePathSteps {
		if err := e.waitWhileRunnable(ctx, run.ID); err != nil {
			return err
		}
		if _, err := e.eventLog.Append(ctx, run.ID, step.eventType, step.payload); err != nil {
			return e.mapAppendError(err)
		}
		if i > 0 {
			if _, err := e.runs.BumpIteration(ctx, run.ID); err != nil {
				e.logger.Warn("Failed to bump iteration", "run_id", run.ID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("run cancelled: %w", context.Canceled)
		case <-time.After(e.stepDelay):
		}
	}
	return nil
}

// waitWhileRunnable blocks while the run is PAUSED and reports terminal
// states (stop won a race) as cancellation. Returns nil once the run is
// RUNNING again.
func (e *Executor) waitWhileRunnable(ctx context.Context, runID int64) error {
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("run cancelled: %w", context.Canceled)
		}
		current, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		switch current.Status {
		case models.StatusRunning:
			return nil
		case models.StatusPaused:
			select {
			case <-ctx.Done():
				return fmt.Errorf("run cancelled: %w", context.Canceled)
			case <-time.After(e.stepDelay):
			}
		default:
			return fmt.Errorf("run cancelled: %w", context.Canceled)
		}
	}
}

// recordStopped commits RUN_STOPPED together with the STOPPED flip. When the
// stop API already performed both, the conditional transition loses and the
// executor exits silently.
func (e *Executor) recordStopped(ctx context.Context, run *models.Run, log *slog.Logger) {
	done, err := e.runs.TransitionWithEvent(context.WithoutCancel(ctx), run.ID,
		models.StatusRunning, models.StatusStopped, events.TypeRunStopped, nil)
	if err != nil {
		log.Error("Failed to record stopped run", "error", err)
		return
	}
	if done {
		log.Info("Run stopped by executor")
	}
}

// recordFailed applies the failure policy: RUN_FAILED event plus the FAILED
// transition in one transaction. A pause can land while a step is failing
// (the FAILED flip only applies to RUNNING), so the failure is held until
// the run resumes; stop or shutdown during that wait hands the terminal
// state to the stop path instead.
func (e *Executor) recordFailed(ctx context.Context, run *models.Run, runErr error, where string, log *slog.Logger) {
	if waitErr := e.waitWhileRunnable(ctx, run.ID); waitErr != nil {
		e.recordStopped(ctx, run, log)
		return
	}

	payload := events.RunFailedPayload{Error: runErr.Error(), Where: where}
	var stepErr *workflow.StepError
	if errors.As(runErr, &stepErr) {
		payload.Kind = stepErr.Kind
	}

	done, err := e.runs.FailRun(context.WithoutCancel(ctx), run.ID, runErr.Error(), payload)
	if err != nil {
		log.Error("Failed to record run failure", "error", err, "run_error", runErr)
		return
	}
	if done {
		log.Warn("Run failed", "error", runErr, "where", where)
	}
}

// mapAppendError normalizes the append guard's terminal rejection into a
// cancellation: the run went terminal underneath us, usually via stop.
func (e *Executor) mapAppendError(err error) error {
	if errors.Is(err, services.ErrRunTerminal) {
		return fmt.Errorf("run went terminal during execution: %w", context.Canceled)
	}
	return err
}
