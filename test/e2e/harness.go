// Package e2e runs full-stack scenarios: HTTP API, services, worker pool,
// and the events pipeline against a real PostgreSQL instance.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/agent"
	"github.com/runforge/agentrunner/pkg/api"
	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/llm"
	"github.com/runforge/agentrunner/pkg/models"
	"github.com/runforge/agentrunner/pkg/queue"
	"github.com/runforge/agentrunner/pkg/services"
	"github.com/runforge/agentrunner/pkg/workflow"
	testutil "github.com/runforge/agentrunner/test/util"
)

// slowProvider simulates a generation backend that takes delay to answer.
// It honors the per-request timeout the same way the real provider does, so
// step timeouts surface as context.DeadlineExceeded.
type slowProvider struct {
	delay    time.Duration
	response string
}

func (p *slowProvider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-time.After(p.delay):
		return p.response, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("generate timed out: %w", context.DeadlineExceeded)
		}
		return "", fmt.Errorf("generate cancelled: %w", context.Canceled)
	}
}

func (p *slowProvider) Models(ctx context.Context) ([]string, error) {
	return []string{"test-model"}, nil
}

type harness struct {
	t        *testing.T
	client   *database.Client
	runs     *services.RunService
	registry *workflow.Registry
	server   *httptest.Server

	workflowDir string
}

// setup wires the entire stack with one polling worker and a provider that
// needs 5 seconds per generation.
func setup(t *testing.T) *harness {
	t.Helper()

	client, connStr := testutil.SetupTestDatabaseWithConnString(t)
	publisher := events.NewPublisher(client.DB())

	projectService := services.NewProjectService(client)
	runService := services.NewRunService(client, publisher)
	eventService := services.NewEventService(client, publisher)

	hub := events.NewHub(eventService)
	listener := events.NewNotifyListener(connStr, hub)
	require.NoError(t, listener.Start(context.Background()))
	hub.SetListener(listener)
	t.Cleanup(func() {
		hub.Stop()
		listener.Stop(context.Background())
	})

	workflowDir := t.TempDir()
	registry, err := workflow.NewRegistry(workflowDir)
	require.NoError(t, err)

	provider := &slowProvider{delay: 5 * time.Second, response: "generated response"}
	engine := workflow.NewEngine(provider, workflow.EngineConfig{
		DefaultModel:      "test-model",
		PausePollInterval: 50 * time.Millisecond,
	})

	executor := agent.NewExecutor(runService, eventService, projectService, registry, engine,
		agent.WithStepDelay(200*time.Millisecond))

	pool := queue.NewWorkerPool("e2ehost", runService, executor, queue.PoolConfig{
		WorkerCount:   1,
		CheckInterval: 50 * time.Millisecond,
		StopTimeout:   10 * time.Second,
	})
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	srv := api.NewServer(api.Config{
		Addr:         "127.0.0.1:0",
		CORSOrigins:  []string{"*"},
		SSEKeepalive: time.Second,
	}, client, projectService, runService, eventService, hub, pool)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		t:           t,
		client:      client,
		runs:        runService,
		registry:    registry,
		server:      ts,
		workflowDir: workflowDir,
	}
}

// addWorkflow drops a definition file into the watched directory and reloads
// the registry.
func (h *harness) addWorkflow(name, content string) {
	h.t.Helper()
	path := filepath.Join(h.workflowDir, name+".yaml")
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(h.t, h.registry.Reload())
}

func (h *harness) request(method, path string, body any) (int, map[string]any) {
	h.t.Helper()

	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		payload = raw
	}

	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(payload))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	decoded := map[string]any{}
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (h *harness) createProject(name string) int64 {
	h.t.Helper()
	status, body := h.request(http.MethodPost, "/projects", map[string]any{
		"name":       name + "-" + uuid.New().String()[:8],
		"local_path": h.t.TempDir(),
	})
	require.Equal(h.t, http.StatusCreated, status)
	return int64(body["id"].(float64))
}

func (h *harness) createRun(projectID int64, extra map[string]any) int64 {
	h.t.Helper()
	body := map[string]any{"project_id": projectID, "goal": "e2e goal"}
	for k, v := range extra {
		body[k] = v
	}
	status, decoded := h.request(http.MethodPost, "/runs", body)
	require.Equal(h.t, http.StatusCreated, status)
	return int64(decoded["id"].(float64))
}

// eventTypes fetches the run's full timeline over HTTP and returns the event
// type names in order.
func (h *harness) eventTypes(runID int64) []string {
	h.t.Helper()
	status, body := h.request(http.MethodGet, fmt.Sprintf("/runs/%d/events?limit=1000", runID), nil)
	require.Equal(h.t, http.StatusOK, status)

	raw := body["events"].([]any)
	types := make([]string, len(raw))
	for i, e := range raw {
		types[i] = e.(map[string]any)["type"].(string)
	}
	return types
}

func (h *harness) runStatus(runID int64) models.RunStatus {
	h.t.Helper()
	status, body := h.request(http.MethodGet, fmt.Sprintf("/runs/%d", runID), nil)
	require.Equal(h.t, http.StatusOK, status)
	return models.RunStatus(body["status"].(string))
}

func (h *harness) waitForStatus(runID int64, want models.RunStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.runStatus(runID) == want
	}, 15*time.Second, 50*time.Millisecond, "run %d never reached %s", runID, want)
}

func (h *harness) waitForEvent(runID int64, eventType string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, typ := range h.eventTypes(runID) {
			if typ == eventType {
				return true
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond, "run %d never emitted %s", runID, eventType)
}
