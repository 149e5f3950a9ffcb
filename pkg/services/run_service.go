package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/models"
)

// runColumns is the canonical column list for scanning a full run row.
const runColumns = `id, project_id, name, goal, run_type, status, current_iteration,
	options, metadata, claimed_by, error_message, created_at, started_at, completed_at`

// RunService manages run lifecycle: creation, claim, status transitions.
// Every transition is a conditional update, and any event that belongs to a
// transition is appended in the same transaction.
type RunService struct {
	client    *database.Client
	publisher *events.Publisher
}

// NewRunService creates a new RunService
func NewRunService(client *database.Client, publisher *events.Publisher) *RunService {
	return &RunService{client: client, publisher: publisher}
}

// CreateRun creates a new run in QUEUED status and appends the RUN_CREATED
// event in the same transaction.
func (s *RunService) CreateRun(httpCtx context.Context, req models.CreateRunRequest) (*models.Run, error) {
	if fe := req.Validate(); fe != nil {
		return nil, NewValidationError(fe.Field, fe.Message)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	optionsJSON, err := marshalJSONB(req.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	metadataJSON, err := marshalJSONB(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM projects WHERE id = $1`, req.ProjectID).Scan(&projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %d: %w", req.ProjectID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to verify project: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO runs (project_id, name, goal, run_type, options, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+runColumns,
		req.ProjectID, req.Name, req.Goal, req.RunType, optionsJSON, metadataJSON)

	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	_, err = s.publisher.AppendTx(ctx, tx, run.ID, events.TypeRunCreated, map[string]any{
		"goal":     run.Goal,
		"run_type": run.RunType,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publisher.NotifyRunStatus(ctx, run.ID, run.Status)
	return run, nil
}

// GetRun retrieves a run by ID
func (s *RunService) GetRun(ctx context.Context, runID int64) (*models.Run, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first, with optional filtering
func (s *RunService) ListRuns(ctx context.Context, filters models.RunFilters) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filters.ProjectID > 0 {
		args = append(args, filters.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// ClaimNextQueued atomically claims the oldest QUEUED run for workerID and
// transitions it to RUNNING. Returns ErrNoRunsQueued when nothing is queued.
// FOR UPDATE SKIP LOCKED guarantees two concurrent claimers never select the
// same row, so no run is ever executed by two workers.
func (s *RunService) ClaimNextQueued(loopCtx context.Context, workerID string) (*models.Run, error) {
	// Use background context with timeout so a worker shutdown mid-claim
	// cannot leave a half-applied transition.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		models.StatusQueued).Scan(&runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRunsQueued
		}
		return nil, fmt.Errorf("failed to query queued runs: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE runs
		SET status = $2, claimed_by = $3, started_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+runColumns,
		runID, models.StatusRunning, workerID, models.StatusQueued)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRunsQueued
		}
		return nil, fmt.Errorf("failed to claim run %d: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.publisher.NotifyRunStatus(ctx, run.ID, run.Status)
	return run, nil
}

// PauseRun transitions RUNNING→PAUSED and appends RUN_PAUSE in the same
// transaction. The executor observes PAUSED at the next step boundary.
func (s *RunService) PauseRun(httpCtx context.Context, runID int64) (*models.Run, error) {
	return s.controlTransition(runID, models.StatusPaused, events.TypeRunPause, false)
}

// ResumeRun transitions PAUSED→RUNNING and appends RUN_RESUME in the same
// transaction.
func (s *RunService) ResumeRun(httpCtx context.Context, runID int64) (*models.Run, error) {
	return s.controlTransition(runID, models.StatusRunning, events.TypeRunResume, false)
}

// StopRun transitions the run to STOPPED from any non-terminal status. The
// RUN_STOP request marker and the terminal RUN_STOPPED are appended together
// with the status flip; an executor that loses the race exits silently.
func (s *RunService) StopRun(httpCtx context.Context, runID int64) (*models.Run, error) {
	return s.controlTransition(runID, models.StatusStopped, events.TypeRunStop, true)
}

// controlTransition performs a user-requested conditional transition. It
// locks the run row, validates the edge from the current status, applies the
// update and appends the request event (plus the terminal event for stop)
// in one transaction.
func (s *RunService) controlTransition(runID int64, to models.RunStatus, eventType string, terminal bool) (*models.Run, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.RunStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}

	if !models.CanTransition(current, to) {
		return nil, fmt.Errorf("%s → %s: %w", current, to, ErrInvalidTransition)
	}

	query := `UPDATE runs SET status = $2 WHERE id = $1 AND status = $3 RETURNING ` + runColumns
	if terminal {
		query = `UPDATE runs SET status = $2, completed_at = now() WHERE id = $1 AND status = $3 RETURNING ` + runColumns
	}
	run, err := scanRun(tx.QueryRowContext(ctx, query, runID, to, current))
	if err != nil {
		return nil, fmt.Errorf("failed to transition run: %w", err)
	}

	if _, err := s.publisher.AppendTx(ctx, tx, runID, eventType, nil); err != nil {
		return nil, err
	}
	if terminal {
		if _, err := s.publisher.AppendTx(ctx, tx, runID, events.TypeRunStopped, nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.publisher.NotifyRunStatus(ctx, runID, to)
	return run, nil
}

// TransitionWithEvent applies a conditional transition and appends eventType
// in the same transaction. Returns false without error when the run is no
// longer in the from status: losing a transition race is a silent no-op.
func (s *RunService) TransitionWithEvent(loopCtx context.Context, runID int64, from, to models.RunStatus, eventType string, payload any) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%s → %s: %w", from, to, ErrInvalidTransition)
	}
	return s.applyTransition(runID, from, to, "", eventType, payload)
}

// CompleteRun transitions RUNNING→COMPLETED and appends RUN_COMPLETED.
func (s *RunService) CompleteRun(loopCtx context.Context, runID int64, payload any) (bool, error) {
	return s.applyTransition(runID, models.StatusRunning, models.StatusCompleted, "", events.TypeRunCompleted, payload)
}

// FailRun transitions RUNNING→FAILED, records the error message and appends
// RUN_FAILED.
func (s *RunService) FailRun(loopCtx context.Context, runID int64, errMsg string, payload any) (bool, error) {
	return s.applyTransition(runID, models.StatusRunning, models.StatusFailed, errMsg, events.TypeRunFailed, payload)
}

// applyTransition is the executor-side conditional update. Terminal writes
// always run on a background context: a cancelled executor must still be able
// to commit its final state.
func (s *RunService) applyTransition(runID int64, from, to models.RunStatus, errMsg, eventType string, payload any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	set := `status = $3`
	args := []any{runID, from, to}
	if to.IsTerminal() {
		set += `, completed_at = now()`
	}
	if errMsg != "" {
		args = append(args, errMsg)
		set += fmt.Sprintf(`, error_message = $%d`, len(args))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET `+set+` WHERE id = $1 AND status = $2`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race: the run is no longer in the from status.
		return false, nil
	}

	if _, err := s.publisher.AppendTx(ctx, tx, runID, eventType, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.publisher.NotifyRunStatus(ctx, runID, to)
	return true, nil
}

// BumpIteration increments the run's iteration counter and returns the new
// value.
func (s *RunService) BumpIteration(ctx context.Context, runID int64) (int, error) {
	var iteration int
	err := s.client.DB().QueryRowContext(ctx, `
		UPDATE runs SET current_iteration = current_iteration + 1
		WHERE id = $1
		RETURNING current_iteration`,
		runID).Scan(&iteration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to bump iteration: %w", err)
	}
	return iteration, nil
}

// CountRuns returns the number of runs in the given status.
func (s *RunService) CountRuns(ctx context.Context, status models.RunStatus) (int, error) {
	var count int
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// ListOrphanCandidates returns RUNNING runs whose claimed_by starts with
// hostPrefix. Used by startup orphan recovery after an unclean shutdown.
func (s *RunService) ListOrphanCandidates(ctx context.Context, hostPrefix string) ([]*models.Run, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND claimed_by LIKE $2
		ORDER BY id`,
		models.StatusRunning, likePrefix(hostPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// likePrefix escapes LIKE metacharacters so a hostname with _ or % cannot
// widen the orphan match.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var optionsJSON, metadataJSON []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.ProjectID, &run.Name, &run.Goal, &run.RunType,
		&run.Status, &run.CurrentIteration, &optionsJSON, &metadataJSON,
		&run.ClaimedBy, &run.ErrorMessage, &run.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &run.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// marshalJSONB renders a map as JSONB input, defaulting to {}.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}
