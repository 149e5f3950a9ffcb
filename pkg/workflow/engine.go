package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/llm"
	"github.com/runforge/agentrunner/pkg/metrics"
	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/pkg/services"
)

const (
	// maxShellOutput bounds the combined stdout+stderr captured from SHELL
	// steps. Output past this is dropped and the payload marked truncated.
	maxShellOutput = 64 * 1024

	// defaultStepTimeout applies when neither the step, the run options,
	// nor the engine config specify one.
	defaultStepTimeout = 300 * time.Second

	// defaultPausePoll is how often a paused run re-reads its status.
	defaultPausePoll = 500 * time.Millisecond

	// dryRunText stands in for provider output when options.dry_run is set.
	dryRunText = "[dry run] generation skipped\n"
)

// Emit appends one event to the executing run's timeline.
type Emit func(eventType string, payload any) error

// StatusFn reads the run's current status. The engine consults it between
// steps to honor pause and stop. A nil StatusFn disables the check.
type StatusFn func(ctx context.Context) (models.RunStatus, error)

// EngineConfig carries the engine-level fallbacks for model and timeout
// resolution.
type EngineConfig struct {
	// DefaultModel is the last resort of the model resolution chain.
	DefaultModel string

	// RoleModels maps a role (planner, coder) to its environment-configured
	// default model. Consulted after per-run overrides, before step models.
	RoleModels map[string]string

	// DefaultTimeout bounds steps that carry no timeout of their own.
	DefaultTimeout time.Duration

	// PausePollInterval is the wait between status re-reads while paused.
	PausePollInterval time.Duration
}

// Engine executes workflow definitions step by step, appending progress
// events through the caller-supplied Emit.
type Engine struct {
	provider llm.Provider
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine creates an engine over the given provider.
func NewEngine(provider llm.Provider, cfg EngineConfig) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultStepTimeout
	}
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = defaultPausePoll
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default().With("component", "workflow.engine"),
	}
}

// Execute runs def against the workspace on behalf of run.
//
// The step sequence is WORKFLOW_STARTED, then per step STEP_STARTED and
// STEP_COMPLETED or STEP_FAILED, then WORKFLOW_COMPLETED or WORKFLOW_FAILED.
// The first step failure stops execution. Cancellation between steps yields
// WORKFLOW_FAILED with reason CANCELLED and an error satisfying
// errors.Is(err, context.Canceled). Pause is honored between steps: the
// engine waits until the run resumes, stops, or the context is cancelled.
func (e *Engine) Execute(ctx context.Context, run *models.Run, def *Definition, workspace string, emit Emit, status StatusFn) error {
	opts := models.ParseRunOptions(run.Options)
	start := time.Now()

	if err := emit(events.TypeWorkflowStarted, events.WorkflowStartedPayload{
		WorkflowName: def.Name,
		Version:      def.Version,
		Steps:        len(def.Steps),
	}); err != nil {
		return e.mapEmitError(err)
	}

	steps := def.Steps
	if opts.MaxSteps > 0 && opts.MaxSteps < len(steps) {
		e.logger.Info("Capping workflow steps", "run_id", run.ID, "workflow", def.Name, "max_steps", opts.MaxSteps)
		steps = steps[:opts.MaxSteps]
	}

	for i, step := range steps {
		if err := e.waitWhileRunnable(ctx, status); err != nil {
			e.emitWorkflowFailed(emit, def.Name, KindCancelled, "")
			return err
		}

		stepStart := time.Now()
		err := e.runStep(ctx, opts, step, i, workspace, emit)
		elapsed := time.Since(stepStart)
		if err != nil {
			stepErr := e.asStepError(step.Name, err, elapsed.Seconds())
			metrics.StepSeconds.WithLabelValues(step.Type, "failed").Observe(elapsed.Seconds())

			if emitErr := emit(events.TypeStepFailed, events.StepFailedPayload{
				Name:           step.Name,
				Error:          stepErr.Message,
				Kind:           stepErr.Kind,
				DurationMS:     elapsed.Milliseconds(),
				ElapsedSeconds: stepErr.Elapsed,
			}); emitErr != nil {
				return e.mapEmitError(emitErr)
			}
			e.emitWorkflowFailed(emit, def.Name, stepErr.Kind, stepErr.Message)
			return stepErr
		}
		metrics.StepSeconds.WithLabelValues(step.Type, "ok").Observe(elapsed.Seconds())
	}

	return e.mapEmitError(emit(events.TypeWorkflowCompleted, events.WorkflowCompletedPayload{
		WorkflowName: def.Name,
		Steps:        len(steps),
		DurationMS:   time.Since(start).Milliseconds(),
	}))
}

// runStep dispatches one step. The returned error is nil, a *StepError, or a
// raw error the caller classifies.
func (e *Engine) runStep(ctx context.Context, opts models.RunOptions, step Step, index int, workspace string, emit Emit) error {
	timeout := e.stepTimeout(step, opts)

	switch step.Type {
	case StepLLMGenerate:
		return e.runLLMStep(ctx, opts, step, index, workspace, timeout, emit)
	case StepShell:
		return e.runShellStep(ctx, opts, step, index, workspace, timeout, emit)
	case StepFileWrite:
		return e.runFileWriteStep(opts, step, index, workspace, emit)
	default:
		return &StepError{Step: step.Name, Kind: KindInternal, Message: fmt.Sprintf("unknown step type %q", step.Type)}
	}
}

func (e *Engine) runLLMStep(ctx context.Context, opts models.RunOptions, step Step, index int, workspace string, timeout time.Duration, emit Emit) error {
	model := e.resolveModel(opts, step)
	if err := emit(events.TypeStepStarted, events.StepStartedPayload{
		Name:  step.Name,
		Type:  step.Type,
		Model: model,
		Index: index,
	}); err != nil {
		return err
	}

	// Reject bad output paths before spending provider time on them.
	var outputPath string
	if step.OutputFile != "" {
		var err error
		outputPath, err = resolveWorkspacePath(workspace, step.OutputFile)
		if err != nil {
			return &StepError{Step: step.Name, Kind: KindBadPath, Message: err.Error(), Cause: err}
		}
	}

	start := time.Now()
	var text string
	if opts.DryRun {
		text = dryRunText
	} else {
		var err error
		text, err = e.provider.Generate(ctx, llm.GenerateRequest{
			Prompt:            step.Prompt,
			Model:             model,
			Timeout:           timeout,
			HeartbeatInterval: time.Duration(opts.HeartbeatInterval) * time.Second,
			OnEvent:           e.providerSink(opts, emit),
		})
		if err != nil {
			return err
		}
	}

	if outputPath != "" && !opts.DryRun {
		if err := writeFileAtomic(outputPath, []byte(text)); err != nil {
			return &StepError{Step: step.Name, Kind: KindInternal, Message: err.Error(), Cause: err}
		}
		if step.SaveArtifact {
			if err := emit(events.TypeArtifactCreated, events.ArtifactCreatedPayload{
				Path:  step.OutputFile,
				Bytes: int64(len(text)),
			}); err != nil {
				return err
			}
		}
	}

	return emit(events.TypeStepCompleted, events.StepCompletedPayload{
		Name:       step.Name,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

func (e *Engine) runShellStep(ctx context.Context, opts models.RunOptions, step Step, index int, workspace string, timeout time.Duration, emit Emit) error {
	if err := emit(events.TypeStepStarted, events.StepStartedPayload{
		Name:  step.Name,
		Type:  step.Type,
		Index: index,
	}); err != nil {
		return err
	}
	if err := emit(events.TypeShellExecuting, events.ShellExecutingPayload{Command: step.Command}); err != nil {
		return err
	}

	start := time.Now()
	if opts.DryRun {
		return emit(events.TypeStepCompleted, events.ShellCompletedPayload{
			Name:       step.Name,
			ExitCode:   0,
			Output:     "",
			DurationMS: time.Since(start).Milliseconds(),
		})
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", step.Command)
	cmd.Dir = workspace
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	combined, truncated := truncateOutput(output)
	if err != nil {
		switch {
		case cmdCtx.Err() == context.DeadlineExceeded:
			return fmt.Errorf("command timed out after %s: %w", timeout, context.DeadlineExceeded)
		case ctx.Err() != nil:
			return fmt.Errorf("command cancelled: %w", context.Canceled)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &StepError{
				Step:    step.Name,
				Kind:    KindShellError,
				Message: fmt.Sprintf("command exited with code %d: %s", exitErr.ExitCode(), combined),
				Cause:   err,
			}
		}
		return &StepError{Step: step.Name, Kind: KindInternal, Message: err.Error(), Cause: err}
	}

	return emit(events.TypeStepCompleted, events.ShellCompletedPayload{
		Name:       step.Name,
		ExitCode:   0,
		Output:     combined,
		Truncated:  truncated,
		DurationMS: duration.Milliseconds(),
	})
}

func (e *Engine) runFileWriteStep(opts models.RunOptions, step Step, index int, workspace string, emit Emit) error {
	if err := emit(events.TypeStepStarted, events.StepStartedPayload{
		Name:  step.Name,
		Type:  step.Type,
		Index: index,
	}); err != nil {
		return err
	}

	start := time.Now()
	outputPath, err := resolveWorkspacePath(workspace, step.OutputFile)
	if err != nil {
		return &StepError{Step: step.Name, Kind: KindBadPath, Message: err.Error(), Cause: err}
	}

	if !opts.DryRun {
		if err := writeFileAtomic(outputPath, []byte(step.Content)); err != nil {
			return &StepError{Step: step.Name, Kind: KindInternal, Message: err.Error(), Cause: err}
		}
	}

	if err := emit(events.TypeArtifactCreated, events.ArtifactCreatedPayload{
		Path:  step.OutputFile,
		Bytes: int64(len(step.Content)),
	}); err != nil {
		return err
	}
	return emit(events.TypeStepCompleted, events.StepCompletedPayload{
		Name:       step.Name,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// providerSink forwards provider events into the run's timeline. Heartbeats
// and terminal events always flow; the chattier loading/generating markers
// only with options.verbose.
func (e *Engine) providerSink(opts models.RunOptions, emit Emit) llm.EventSink {
	return func(ev llm.Event) {
		if !opts.Verbose && (ev.Type == events.TypeLLMLoadingModel || ev.Type == events.TypeLLMGenerating) {
			return
		}
		if err := emit(ev.Type, events.LLMEventPayload{
			Model:          ev.Model,
			ElapsedSeconds: ev.ElapsedSeconds,
			Error:          ev.Err,
		}); err != nil {
			e.logger.Warn("Failed to forward provider event", "type", ev.Type, "error", err)
		}
	}
}

// waitWhileRunnable blocks while the run is paused. It returns nil when the
// run is RUNNING, and a cancellation error when the context fires or the run
// reaches a terminal status underneath us.
func (e *Engine) waitWhileRunnable(ctx context.Context, status StatusFn) error {
	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if status == nil {
			return nil
		}
		st, err := status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read run status: %w", err)
		}
		switch {
		case st == models.StatusRunning:
			return nil
		case st.IsTerminal():
			return ErrCancelled
		case st == models.StatusPaused:
			select {
			case <-ctx.Done():
				return ErrCancelled
			case <-time.After(e.cfg.PausePollInterval):
			}
		default:
			return fmt.Errorf("run in unexpected status %s", st)
		}
	}
}

// emitWorkflowFailed is best-effort: when a stop already flipped the run
// terminal, the append guard rejects further events and that is fine.
func (e *Engine) emitWorkflowFailed(emit Emit, workflowName, reason, errMsg string) {
	err := emit(events.TypeWorkflowFailed, events.WorkflowFailedPayload{
		WorkflowName: workflowName,
		Reason:       reason,
		Error:        errMsg,
	})
	if err != nil && !errors.Is(err, services.ErrRunTerminal) {
		e.logger.Warn("Failed to append WORKFLOW_FAILED", "workflow", workflowName, "error", err)
	}
}

// asStepError normalizes any step failure into a StepError with elapsed
// seconds filled in.
func (e *Engine) asStepError(stepName string, err error, elapsed float64) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		if stepErr.Elapsed == 0 {
			stepErr.Elapsed = elapsed
		}
		return stepErr
	}
	return classifyStepError(stepName, err, elapsed)
}

// mapEmitError converts append failures into engine errors. A terminal run
// under our feet means a stop won the race: surface it as cancellation.
func (e *Engine) mapEmitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, services.ErrRunTerminal) {
		return ErrCancelled
	}
	return err
}

// stepTimeout resolves the effective timeout: step override, then the run's
// timeout_seconds option, then the engine default.
func (e *Engine) stepTimeout(step Step, opts models.RunOptions) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	if opts.TimeoutSeconds > 0 {
		return time.Duration(opts.TimeoutSeconds) * time.Second
	}
	return e.cfg.DefaultTimeout
}

// resolveModel applies the override chain: per-run options.models[role],
// then the role's environment default, then the step's declared model, then
// the engine default.
func (e *Engine) resolveModel(opts models.RunOptions, step Step) string {
	role := stepRole(step)
	if m, ok := opts.Models[role]; ok && m != "" {
		return m
	}
	if m, ok := e.cfg.RoleModels[role]; ok && m != "" {
		return m
	}
	if step.Model != "" {
		return step.Model
	}
	return e.cfg.DefaultModel
}

// codeExtensions marks output files whose generation is treated as coding
// work for role resolution.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".sh": true,
	".rs": true, ".java": true, ".c": true, ".cpp": true, ".rb": true,
}

// stepRole infers the model role for a step: steps that produce code use
// the coder role, everything else the planner role.
func stepRole(step Step) string {
	name := strings.ToLower(step.Name)
	if strings.Contains(name, "cod") || strings.Contains(name, "implement") {
		return "coder"
	}
	if codeExtensions[strings.ToLower(filepath.Ext(step.OutputFile))] {
		return "coder"
	}
	return "planner"
}

// resolveWorkspacePath confines a step's output path to the workspace.
// Absolute paths and any traversal that escapes the workspace are rejected.
func resolveWorkspacePath(workspace, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("output path is empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("output path %q is absolute; workspace paths must be relative", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes the workspace", rel)
	}
	base := filepath.Clean(workspace)
	abs := filepath.Join(base, cleaned)
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes the workspace", rel)
	}
	return abs, nil
}

// writeFileAtomic writes content via a temp file in the target directory
// followed by a rename, creating parent directories as needed. Readers never
// observe a partially written file.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// truncateOutput caps combined shell output at maxShellOutput bytes.
func truncateOutput(output []byte) (string, bool) {
	if len(output) <= maxShellOutput {
		return string(output), false
	}
	return string(output[:maxShellOutput]), true
}
