package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/test/util"
)

// eventsTestEnv wires publisher → PostgreSQL NOTIFY → listener → hub against
// a real database (testcontainers locally, service container in CI).
type eventsTestEnv struct {
	client    *database.Client
	publisher *Publisher
	hub       *Hub
	listener  *NotifyListener
	runID     int64
}

// storeFetcher restores truncated envelopes straight from the events table.
type storeFetcher struct {
	db *sql.DB
}

func (f *storeFetcher) GetEvent(ctx context.Context, runID, eventID int64) (*models.Event, error) {
	evt := &models.Event{}
	err := f.db.QueryRowContext(ctx,
		`SELECT id, run_id, type, payload, created_at FROM events WHERE run_id = $1 AND id = $2`,
		runID, eventID,
	).Scan(&evt.ID, &evt.RunID, &evt.Type, &evt.Payload, &evt.CreatedAt)
	if err != nil {
		return nil, err
	}
	return evt, nil
}

func setupEventsTest(t *testing.T) *eventsTestEnv {
	t.Helper()

	client, connStr := util.SetupTestDatabaseWithConnString(t)
	ctx := context.Background()

	var projectID int64
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`INSERT INTO projects (name, local_path) VALUES ('events-it', '/tmp/events-it') RETURNING id`,
	).Scan(&projectID))

	var runID int64
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`INSERT INTO runs (project_id, goal) VALUES ($1, 'stream me') RETURNING id`, projectID,
	).Scan(&runID))

	hub := NewHub(&storeFetcher{db: client.DB()})
	listener := NewNotifyListener(connStr, hub)
	require.NoError(t, listener.Start(ctx))
	hub.SetListener(listener)

	t.Cleanup(func() {
		hub.Stop()
		listener.Stop(context.Background())
	})

	return &eventsTestEnv{
		client:    client,
		publisher: NewPublisher(client.DB()),
		hub:       hub,
		listener:  listener,
		runID:     runID,
	}
}

func awaitEvent(t *testing.T, sub *Subscription, timeout time.Duration) *models.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription closed while waiting for event")
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestIntegrationPublisherPersistsAndNotifies(t *testing.T) {
	env := setupEventsTest(t)
	ctx := context.Background()

	sub, err := env.hub.Subscribe(env.runID)
	require.NoError(t, err)
	defer env.hub.Unsubscribe(sub)

	evt, err := env.publisher.Append(ctx, env.runID, TypeRunStarted, nil)
	require.NoError(t, err)
	assert.Positive(t, evt.ID)
	assert.False(t, evt.CreatedAt.IsZero())

	// Persisted row is readable.
	var count int
	require.NoError(t, env.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = $1 AND type = $2`, env.runID, TypeRunStarted,
	).Scan(&count))
	assert.Equal(t, 1, count)

	// Notification reaches the live subscriber with the same id.
	got := awaitEvent(t, sub, 5*time.Second)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, TypeRunStarted, got.Type)
}

func TestIntegrationOrderedDelivery(t *testing.T) {
	env := setupEventsTest(t)
	ctx := context.Background()

	sub, err := env.hub.Subscribe(env.runID)
	require.NoError(t, err)
	defer env.hub.Unsubscribe(sub)

	types := []string{TypeRunStarted, TypeAgentThinking, TypePlanGenerated, TypeExecuting, TypeRunCompleted}
	for _, typ := range types {
		_, err := env.publisher.Append(ctx, env.runID, typ, nil)
		require.NoError(t, err)
	}

	var lastID int64
	for _, want := range types {
		got := awaitEvent(t, sub, 5*time.Second)
		assert.Equal(t, want, got.Type)
		assert.Greater(t, got.ID, lastID, "live delivery preserves id order")
		lastID = got.ID
	}
}

func TestIntegrationTruncatedEventRestoredFromStore(t *testing.T) {
	env := setupEventsTest(t)
	ctx := context.Background()

	sub, err := env.hub.Subscribe(env.runID)
	require.NoError(t, err)
	defer env.hub.Unsubscribe(sub)

	bigOutput := strings.Repeat("x", 9000)
	evt, err := env.publisher.Append(ctx, env.runID, TypeStepCompleted, ShellCompletedPayload{
		Name:     "build",
		ExitCode: 0,
		Output:   bigOutput,
	})
	require.NoError(t, err)

	got := awaitEvent(t, sub, 5*time.Second)
	assert.Equal(t, evt.ID, got.ID)

	var payload ShellCompletedPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, bigOutput, payload.Output, "full payload restored from store after NOTIFY truncation")
}

func TestIntegrationAppendTxRollbackLeavesNoTrace(t *testing.T) {
	env := setupEventsTest(t)
	ctx := context.Background()

	sub, err := env.hub.Subscribe(env.runID)
	require.NoError(t, err)
	defer env.hub.Unsubscribe(sub)

	tx, err := env.client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = env.publisher.AppendTx(ctx, tx, env.runID, TypeRunFailed, RunFailedPayload{Error: "boom"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	// Neither the row nor the notification may surface.
	var count int
	require.NoError(t, env.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = $1`, env.runID).Scan(&count))
	assert.Zero(t, count)

	select {
	case evt := <-sub.C:
		t.Fatalf("rolled-back event was delivered: %+v", evt)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestIntegrationUnlistenStopsDelivery(t *testing.T) {
	env := setupEventsTest(t)
	ctx := context.Background()

	sub, err := env.hub.Subscribe(env.runID)
	require.NoError(t, err)

	_, err = env.publisher.Append(ctx, env.runID, TypeRunStarted, nil)
	require.NoError(t, err)
	awaitEvent(t, sub, 5*time.Second)

	env.hub.Unsubscribe(sub)

	// Give the async UNLISTEN a moment, then publish again; nothing should
	// arrive because the subscription is closed.
	time.Sleep(200 * time.Millisecond)
	_, err = env.publisher.Append(ctx, env.runID, TypeRunCompleted, nil)
	require.NoError(t, err)

	_, open := <-sub.C
	assert.False(t, open)
}
