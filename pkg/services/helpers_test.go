package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/models"
	testutil "github.com/runforge/agentrunner/test/util"
)

type testServices struct {
	client     *database.Client
	publisher  *events.Publisher
	projectSvc *ProjectService
	runSvc     *RunService
	eventSvc   *EventService
}

func setupTestServices(t *testing.T) *testServices {
	client := testutil.SetupTestDatabase(t)
	publisher := events.NewPublisher(client.DB())
	return &testServices{
		client:     client,
		publisher:  publisher,
		projectSvc: NewProjectService(client),
		runSvc:     NewRunService(client, publisher),
		eventSvc:   NewEventService(client, publisher),
	}
}

func createTestProject(t *testing.T, ts *testServices) *models.Project {
	t.Helper()
	project, err := ts.projectSvc.CreateProject(context.Background(), models.CreateProjectRequest{
		Name:      fmt.Sprintf("project-%s", uuid.New().String()[:8]),
		LocalPath: t.TempDir(),
	})
	require.NoError(t, err)
	return project
}

func createTestRun(t *testing.T, ts *testServices, projectID int64) *models.Run {
	t.Helper()
	run, err := ts.runSvc.CreateRun(context.Background(), models.CreateRunRequest{
		ProjectID: projectID,
		Goal:      "test goal",
	})
	require.NoError(t, err)
	return run
}

// eventTypes lists the run's event types in log order.
func eventTypes(t *testing.T, ts *testServices, runID int64) []string {
	t.Helper()
	evts, err := ts.eventSvc.List(context.Background(), runID, 0, maxEventLimit)
	require.NoError(t, err)
	types := make([]string, len(evts))
	for i, evt := range evts {
		types[i] = evt.Type
	}
	return types
}
