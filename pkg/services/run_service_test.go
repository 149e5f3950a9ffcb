package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/models"
)

func TestRunService_CreateRun(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	t.Run("creates queued run with RUN_CREATED event", func(t *testing.T) {
		project := createTestProject(t, ts)

		run, err := ts.runSvc.CreateRun(ctx, models.CreateRunRequest{
			ProjectID: project.ID,
			Goal:      "analyze the workspace",
			Name:      "first-run",
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, run.Status)
		assert.Equal(t, models.TypeAgent, run.RunType)
		assert.Equal(t, 0, run.CurrentIteration)
		assert.Empty(t, run.ClaimedBy)
		assert.Nil(t, run.StartedAt)
		assert.Nil(t, run.CompletedAt)

		// RUN_CREATED committed together with the row.
		assert.Equal(t, []string{events.TypeRunCreated}, eventTypes(t, ts, run.ID))
	})

	t.Run("persists options and metadata", func(t *testing.T) {
		project := createTestProject(t, ts)

		run, err := ts.runSvc.CreateRun(ctx, models.CreateRunRequest{
			ProjectID: project.ID,
			Goal:      "run a workflow",
			RunType:   models.TypeWorkflow,
			Options: map[string]any{
				"workflow_name":   "build-and-test",
				"timeout_seconds": float64(120),
			},
			Metadata: map[string]any{"requested_by": "ci"},
		})
		require.NoError(t, err)

		got, err := ts.runSvc.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TypeWorkflow, got.RunType)
		assert.Equal(t, "build-and-test", got.Options["workflow_name"])
		assert.Equal(t, "ci", got.Metadata["requested_by"])
	})

	t.Run("rejects missing project", func(t *testing.T) {
		_, err := ts.runSvc.CreateRun(ctx, models.CreateRunRequest{
			ProjectID: 999999,
			Goal:      "goal",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("validates required fields", func(t *testing.T) {
		project := createTestProject(t, ts)

		_, err := ts.runSvc.CreateRun(ctx, models.CreateRunRequest{ProjectID: project.ID})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		_, err = ts.runSvc.CreateRun(ctx, models.CreateRunRequest{
			ProjectID: project.ID,
			Goal:      "goal",
			RunType:   models.RunType("bogus"),
		})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestRunService_ListRuns(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	project := createTestProject(t, ts)
	first := createTestRun(t, ts, project.ID)
	second := createTestRun(t, ts, project.ID)
	third := createTestRun(t, ts, project.ID)

	t.Run("newest first", func(t *testing.T) {
		runs, err := ts.runSvc.ListRuns(ctx, models.RunFilters{})
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, third.ID, runs[0].ID)
		assert.Equal(t, second.ID, runs[1].ID)
		assert.Equal(t, first.ID, runs[2].ID)
	})

	t.Run("filters by status", func(t *testing.T) {
		claimed, err := ts.runSvc.ClaimNextQueued(ctx, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, claimed.ID)

		running, err := ts.runSvc.ListRuns(ctx, models.RunFilters{Status: models.StatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, first.ID, running[0].ID)
	})

	t.Run("filters by project", func(t *testing.T) {
		other := createTestProject(t, ts)
		otherRun := createTestRun(t, ts, other.ID)

		runs, err := ts.runSvc.ListRuns(ctx, models.RunFilters{ProjectID: other.ID})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, otherRun.ID, runs[0].ID)
	})

	t.Run("applies limit", func(t *testing.T) {
		runs, err := ts.runSvc.ListRuns(ctx, models.RunFilters{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})
}

func TestRunService_ClaimNextQueued(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	t.Run("claims oldest queued run", func(t *testing.T) {
		project := createTestProject(t, ts)
		first := createTestRun(t, ts, project.ID)
		createTestRun(t, ts, project.ID)

		claimed, err := ts.runSvc.ClaimNextQueued(ctx, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, first.ID, claimed.ID)
		assert.Equal(t, models.StatusRunning, claimed.Status)
		assert.Equal(t, "worker-a", claimed.ClaimedBy)
		require.NotNil(t, claimed.StartedAt)

		// Claim is a pure transition: no event is appended until the
		// executor starts.
		assert.Equal(t, []string{events.TypeRunCreated}, eventTypes(t, ts, claimed.ID))
	})

	t.Run("returns ErrNoRunsQueued when queue is empty", func(t *testing.T) {
		// Drain anything left from the previous subtest.
		for {
			_, err := ts.runSvc.ClaimNextQueued(ctx, "drainer")
			if err != nil {
				assert.ErrorIs(t, err, ErrNoRunsQueued)
				break
			}
		}

		_, err := ts.runSvc.ClaimNextQueued(ctx, "worker-b")
		assert.ErrorIs(t, err, ErrNoRunsQueued)
	})

	t.Run("single run is claimed by exactly one of many workers", func(t *testing.T) {
		project := createTestProject(t, ts)
		run := createTestRun(t, ts, project.ID)

		const workers = 8
		var wg sync.WaitGroup
		results := make(chan *models.Run, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				claimed, err := ts.runSvc.ClaimNextQueued(ctx, "contender")
				if err == nil {
					results <- claimed
				} else {
					assert.ErrorIs(t, err, ErrNoRunsQueued)
				}
			}(i)
		}
		wg.Wait()
		close(results)

		winners := 0
		for claimed := range results {
			winners++
			assert.Equal(t, run.ID, claimed.ID)
		}
		assert.Equal(t, 1, winners)
	})
}

func TestRunService_PauseResumeStop(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	t.Run("pause and resume a running run", func(t *testing.T) {
		project := createTestProject(t, ts)
		createTestRun(t, ts, project.ID)
		run, err := ts.runSvc.ClaimNextQueued(ctx, "worker-a")
		require.NoError(t, err)

		paused, err := ts.runSvc.PauseRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaused, paused.Status)

		resumed, err := ts.runSvc.ResumeRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, resumed.Status)

		assert.Equal(t, []string{
			events.TypeRunCreated,
			events.TypeRunPause,
			events.TypeRunResume,
		}, eventTypes(t, ts, run.ID))
	})

	t.Run("pause rejects queued run", func(t *testing.T) {
		project := createTestProject(t, ts)
		run := createTestRun(t, ts, project.ID)

		_, err := ts.runSvc.PauseRun(ctx, run.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("stop on queued run appends RUN_STOP and terminal RUN_STOPPED", func(t *testing.T) {
		project := createTestProject(t, ts)
		run := createTestRun(t, ts, project.ID)

		stopped, err := ts.runSvc.StopRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusStopped, stopped.Status)
		require.NotNil(t, stopped.CompletedAt)

		assert.Equal(t, []string{
			events.TypeRunCreated,
			events.TypeRunStop,
			events.TypeRunStopped,
		}, eventTypes(t, ts, run.ID))
	})

	t.Run("stop rejects terminal run", func(t *testing.T) {
		project := createTestProject(t, ts)
		run := createTestRun(t, ts, project.ID)

		_, err := ts.runSvc.StopRun(ctx, run.ID)
		require.NoError(t, err)

		_, err = ts.runSvc.StopRun(ctx, run.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("returns ErrNotFound for missing run", func(t *testing.T) {
		_, err := ts.runSvc.StopRun(ctx, 999999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRunService_TransitionWithEvent(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	t.Run("lost race is a silent no-op", func(t *testing.T) {
		project := createTestProject(t, ts)
		run := createTestRun(t, ts, project.ID) // still QUEUED

		ok, err := ts.runSvc.TransitionWithEvent(ctx, run.ID,
			models.StatusRunning, models.StatusCompleted, events.TypeRunCompleted, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		// No event leaked from the rolled back transaction.
		assert.Equal(t, []string{events.TypeRunCreated}, eventTypes(t, ts, run.ID))
	})

	t.Run("rejects illegal edge", func(t *testing.T) {
		project := createTestProject(t, ts)
		run := createTestRun(t, ts, project.ID)

		_, err := ts.runSvc.TransitionWithEvent(ctx, run.ID,
			models.StatusQueued, models.StatusCompleted, events.TypeRunCompleted, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestRunService_CompleteAndFail(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	t.Run("complete running run", func(t *testing.T) {
		project := createTestProject(t, ts)
		createTestRun(t, ts, project.ID)
		run, err := ts.runSvc.ClaimNextQueued(ctx, "worker-a")
		require.NoError(t, err)

		ok, err := ts.runSvc.CompleteRun(ctx, run.ID, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := ts.runSvc.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)

		types := eventTypes(t, ts, run.ID)
		assert.Equal(t, events.TypeRunCompleted, types[len(types)-1])

		// Terminal is absorbing.
		ok, err = ts.runSvc.FailRun(ctx, run.ID, "too late", nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("fail running run records error message", func(t *testing.T) {
		project := createTestProject(t, ts)
		createTestRun(t, ts, project.ID)
		run, err := ts.runSvc.ClaimNextQueued(ctx, "worker-a")
		require.NoError(t, err)

		ok, err := ts.runSvc.FailRun(ctx, run.ID, "step timed out",
			events.RunFailedPayload{Error: "step timed out", Kind: "TIMEOUT"})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := ts.runSvc.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "step timed out", got.ErrorMessage)
		require.NotNil(t, got.CompletedAt)

		types := eventTypes(t, ts, run.ID)
		assert.Equal(t, events.TypeRunFailed, types[len(types)-1])
	})
}

func TestRunService_BumpIteration(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	project := createTestProject(t, ts)
	run := createTestRun(t, ts, project.ID)

	n, err := ts.runSvc.BumpIteration(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ts.runSvc.BumpIteration(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ts.runSvc.BumpIteration(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunService_ListOrphanCandidates(t *testing.T) {
	ts := setupTestServices(t)
	ctx := context.Background()

	project := createTestProject(t, ts)
	createTestRun(t, ts, project.ID)
	createTestRun(t, ts, project.ID)
	createTestRun(t, ts, project.ID)

	mine, err := ts.runSvc.ClaimNextQueued(ctx, "host_a-1111")
	require.NoError(t, err)
	_, err = ts.runSvc.ClaimNextQueued(ctx, "hostXa-2222")
	require.NoError(t, err)
	completedRun, err := ts.runSvc.ClaimNextQueued(ctx, "host_a-3333")
	require.NoError(t, err)

	// Terminal runs are never orphan candidates.
	ok, err := ts.runSvc.CompleteRun(ctx, completedRun.ID, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// The underscore is escaped: "host_a-" must not match "hostXa-".
	orphans, err := ts.runSvc.ListOrphanCandidates(ctx, "host_a-")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, mine.ID, orphans[0].ID)
}
