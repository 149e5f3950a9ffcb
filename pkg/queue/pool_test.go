package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/pkg/services"
	testutil "github.com/runforge/agentrunner/test/util"
)

// stubExecutor completes runs after a configurable delay, or records them
// stopped when cancelled, mirroring the real executor's terminal behavior.
type stubExecutor struct {
	runs  *services.RunService
	delay time.Duration
	calls atomic.Int32
}

func (s *stubExecutor) ExecuteRun(ctx context.Context, run *models.Run) {
	s.calls.Add(1)
	select {
	case <-ctx.Done():
		_, _ = s.runs.TransitionWithEvent(context.WithoutCancel(ctx), run.ID,
			models.StatusRunning, models.StatusStopped, events.TypeRunStopped, nil)
	case <-time.After(s.delay):
		_, _ = s.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, nil)
	}
}

type queueHarness struct {
	client     *database.Client
	runSvc     *services.RunService
	projectSvc *services.ProjectService
	eventSvc   *services.EventService
	executor   *stubExecutor
}

func setupQueue(t *testing.T) *queueHarness {
	t.Helper()
	client := testutil.SetupTestDatabase(t)
	publisher := events.NewPublisher(client.DB())
	runSvc := services.NewRunService(client, publisher)
	return &queueHarness{
		client:     client,
		runSvc:     runSvc,
		projectSvc: services.NewProjectService(client),
		eventSvc:   services.NewEventService(client, publisher),
		executor:   &stubExecutor{runs: runSvc},
	}
}

func (h *queueHarness) createRun(t *testing.T) *models.Run {
	t.Helper()
	project, err := h.projectSvc.CreateProject(context.Background(), models.CreateProjectRequest{
		Name:      fmt.Sprintf("project-%s", uuid.New().String()[:8]),
		LocalPath: t.TempDir(),
	})
	require.NoError(t, err)

	run, err := h.runSvc.CreateRun(context.Background(), models.CreateRunRequest{
		ProjectID: project.ID,
		Goal:      "queue test goal",
	})
	require.NoError(t, err)
	return run
}

func (h *queueHarness) status(t *testing.T, runID int64) models.RunStatus {
	t.Helper()
	run, err := h.runSvc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run.Status
}

func TestPoolClaimsAndExecutes(t *testing.T) {
	h := setupQueue(t)
	first := h.createRun(t)
	second := h.createRun(t)

	pool := NewWorkerPool("testhost", h.runSvc, h.executor, PoolConfig{
		WorkerCount:   1,
		CheckInterval: 50 * time.Millisecond,
		BatchSize:     2,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return h.status(t, first.ID) == models.StatusCompleted &&
			h.status(t, second.ID) == models.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(2), h.executor.calls.Load())
}

func TestSingleRunNeverExecutedTwice(t *testing.T) {
	h := setupQueue(t)
	run := h.createRun(t)

	// Many aggressive workers, one queued run: the conditional claim lets
	// exactly one of them win.
	pool := NewWorkerPool("testhost", h.runSvc, h.executor, PoolConfig{
		WorkerCount:   4,
		CheckInterval: 10 * time.Millisecond,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return h.status(t, run.ID) == models.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	// Allow any racing claims to surface before counting.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), h.executor.calls.Load())

	claimed, err := h.runSvc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Contains(t, claimed.ClaimedBy, "testhost-")
}

func TestProcessOnce(t *testing.T) {
	h := setupQueue(t)
	first := h.createRun(t)
	second := h.createRun(t)

	// The pool never starts: ProcessOnce works with the loop disabled.
	pool := NewWorkerPool("testhost", h.runSvc, h.executor, PoolConfig{BatchSize: 2})

	processed, err := pool.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, models.StatusCompleted, h.status(t, first.ID))
	assert.Equal(t, models.StatusCompleted, h.status(t, second.ID))

	processed, err = pool.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed, "empty queue processes nothing")
}

func TestGracefulShutdownCancelsInFlight(t *testing.T) {
	h := setupQueue(t)
	h.executor.delay = time.Hour // only cancellation can finish the run

	run := h.createRun(t)
	pool := NewWorkerPool("testhost", h.runSvc, h.executor, PoolConfig{
		WorkerCount:   1,
		CheckInterval: 20 * time.Millisecond,
		StopTimeout:   10 * time.Second,
	})
	pool.Start(context.Background())

	require.Eventually(t, func() bool {
		return h.status(t, run.ID) == models.StatusRunning
	}, 10*time.Second, 20*time.Millisecond)

	pool.Stop()

	// The run surfaced a terminal state and is not re-claimable.
	assert.Equal(t, models.StatusStopped, h.status(t, run.ID))
}

func TestCancelRun(t *testing.T) {
	h := setupQueue(t)
	h.executor.delay = time.Hour

	run := h.createRun(t)
	pool := NewWorkerPool("testhost", h.runSvc, h.executor, PoolConfig{
		WorkerCount:   1,
		CheckInterval: 20 * time.Millisecond,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return h.status(t, run.ID) == models.StatusRunning
	}, 10*time.Second, 20*time.Millisecond)

	assert.False(t, pool.CancelRun(run.ID+999), "unknown run is not cancellable here")
	assert.True(t, pool.CancelRun(run.ID))

	require.Eventually(t, func() bool {
		return h.status(t, run.ID) == models.StatusStopped
	}, 10*time.Second, 20*time.Millisecond)
}

func TestPoolStatus(t *testing.T) {
	h := setupQueue(t)
	h.createRun(t)

	pool := NewWorkerPool("testhost", h.runSvc, h.executor, PoolConfig{WorkerCount: 2})

	status := pool.Status(context.Background())
	assert.Equal(t, "testhost", status.HostID)
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.TotalWorkers)
	assert.Equal(t, 1, status.QueueDepth)

	pool.Start(context.Background())
	defer pool.Stop()

	status = pool.Status(context.Background())
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.TotalWorkers)
	assert.Len(t, status.Workers, 2)
}

func TestRecoverStartupOrphans(t *testing.T) {
	h := setupQueue(t)

	orphan := h.createRun(t)
	other := h.createRun(t)

	// Claim both runs as if two different hosts had them in flight.
	claimed, err := h.runSvc.ClaimNextQueued(context.Background(), "testhost-"+uuid.New().String())
	require.NoError(t, err)
	require.Equal(t, orphan.ID, claimed.ID)

	claimed, err = h.runSvc.ClaimNextQueued(context.Background(), "otherhost-"+uuid.New().String())
	require.NoError(t, err)
	require.Equal(t, other.ID, claimed.ID)

	recovered, err := RecoverStartupOrphans(context.Background(), h.runSvc, "testhost")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	failed, err := h.runSvc.GetRun(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "orphaned by restart", failed.ErrorMessage)

	evts, err := h.eventSvc.List(context.Background(), orphan.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, events.TypeRunFailed, evts[len(evts)-1].Type)

	// The other host's run keeps running.
	assert.Equal(t, models.StatusRunning, h.status(t, other.ID))

	// Idempotent: nothing left to recover.
	recovered, err = RecoverStartupOrphans(context.Background(), h.runSvc, "testhost")
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}
