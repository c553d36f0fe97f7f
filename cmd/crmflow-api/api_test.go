package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/mocks"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence/file"
	"github.com/dukex/crmflow/pkg/queue/memory"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestAPI(t *testing.T) (*API, *file.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	registry := prometheus.NewRegistry()

	m, err := metrics.New(registry)
	require.NoError(t, err)

	return NewAPI(testLogger(), p, memory.New(), &mocks.MockContactDirectory{}, nil, registry, m), p
}

func TestAPI_RootEndpoint(t *testing.T) {
	api, _ := setupTestAPI(t)

	resp, err := api.App().Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "crmflow API", string(body))
}

const seedYAML = `
workflows:
  - name: Welcome new leads
    trigger:
      type: status_change
      config:
        from_status: any
        to_status: lead
    actions:
      - id: welcome
        type: send_email
        config:
          subject: "Welcome {{ contact.name }}"
          body: "Hi {{ contact.name }}"
      - id: tag
        type: add_tag
        config:
          tag_name: welcomed
    is_active: true
  - name: Manual outreach
    trigger:
      type: manual
    actions:
      - type: assign_task
        config:
          assign_to_user_id: rep-1
          title: Call contact
          due_in_hours: 24
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestSeedWorkflows(t *testing.T) {
	ctx := context.Background()
	api, p := setupTestAPI(t)

	inputs, err := loadSeedFile(writeSeed(t, seedYAML))
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	created, err := seedWorkflows(ctx, api.Store(), inputs, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = seedWorkflows(ctx, api.Store(), inputs, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	all, err := p.WorkflowRepository().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byName := map[string]*models.WorkflowDefinition{}
	for _, workflow := range all {
		byName[workflow.Name] = workflow
	}

	welcome := byName["Welcome new leads"]
	require.NotNil(t, welcome)
	assert.True(t, welcome.IsActive)
	assert.Equal(t, models.TriggerStatusChange, welcome.Trigger.Type)
	assert.Equal(t, models.ActionSendEmail, welcome.Actions[0].Type)

	manual := byName["Manual outreach"]
	require.NotNil(t, manual)
	assert.False(t, manual.IsActive)
	assert.Equal(t, models.AssignTaskConfig{AssignToUserID: "rep-1", Title: "Call contact", DueInHours: 24}, manual.Actions[0].Config)
}

func TestSeedWorkflows_ReportsInvalidDefinitions(t *testing.T) {
	ctx := context.Background()
	api, _ := setupTestAPI(t)

	inputs, err := loadSeedFile(writeSeed(t, `
workflows:
  - name: Broken
    trigger:
      type: score_change
      config:
        direction: sideways
  - name: Fine manual
    trigger:
      type: manual
`))
	require.NoError(t, err)

	created, err := seedWorkflows(ctx, api.Store(), inputs, testLogger())
	require.ErrorIs(t, err, services.ErrInvalidDefinition)
	assert.Equal(t, 1, created)
	assert.Contains(t, err.Error(), "Broken")
}

func TestLoadSeedFile_Errors(t *testing.T) {
	_, err := loadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = loadSeedFile(writeSeed(t, "workflows: [:"))
	require.Error(t, err)
}
