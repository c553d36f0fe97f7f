package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/ledger"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/mocks"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence/file"
	"github.com/dukex/crmflow/pkg/queue/memory"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/dukex/crmflow/pkg/trigger"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app         *fiber.App
	persistence *file.Persistence
	contacts    *mocks.MockContactDirectory
	queue       *memory.Queue
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	p := file.NewPersistence(t.TempDir())
	contacts := &mocks.MockContactDirectory{}
	q := memory.New()

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)

	store := services.NewStore(p, logger)
	evaluator := trigger.NewEvaluator(store, p.ExecutionRepository(), contacts, q, logger, trigger.WithMetrics(m))
	handlers := NewAPIHandlers(store, evaluator, ledger.New(p.ExecutionRepository(), logger), logger)

	return &testServer{
		app:         NewApp(handlers, registry),
		persistence: p,
		contacts:    contacts,
		queue:       q,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func (s *testServer) save(t *testing.T, workflow *models.WorkflowDefinition) *models.WorkflowDefinition {
	t.Helper()

	require.NoError(t, s.persistence.WorkflowRepository().Save(context.Background(), workflow))

	return workflow
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))

	return v
}

func definitionBody() map[string]any {
	return map[string]any{
		"name": "Hot lead follow-up",
		"trigger": map[string]any{
			"type":   "score_change",
			"config": map[string]any{"direction": "above", "threshold": 50},
		},
		"actions": []map[string]any{
			{"id": "tag", "type": "add_tag", "config": map[string]any{"tag_name": "hot-lead"}},
			{"id": "wait", "type": "wait_delay", "config": map[string]any{"wait_hours": 24}},
		},
		"is_active": true,
	}
}

func TestAPI_RootAndLiveness(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "crmflow API", string(body))

	resp, body = s.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_HealthCheck(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[map[string]any](t, body)
	assert.Equal(t, "healthy", health["status"])
}

func TestAPI_WorkflowLifecycle(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/workflows", definitionBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	created := decode[models.WorkflowDefinition](t, body)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, models.TriggerScoreChange, created.Trigger.Type)
	require.Len(t, created.Actions, 2)

	resp, body = s.do(t, http.MethodGet, "/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Name, decode[models.WorkflowDefinition](t, body).Name)

	update := definitionBody()
	update["name"] = "Renamed follow-up"

	resp, body = s.do(t, http.MethodPut, "/workflows/"+created.ID, update)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Renamed follow-up", decode[models.WorkflowDefinition](t, body).Name)

	resp, body = s.do(t, http.MethodPost, "/workflows/"+created.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[models.WorkflowDefinition](t, body).IsActive)

	resp, body = s.do(t, http.MethodGet, "/workflows?active=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[WorkflowListResponse](t, body).TotalCount)

	resp, body = s.do(t, http.MethodGet, "/workflows?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[WorkflowListResponse](t, body).TotalCount)

	resp, _ = s.do(t, http.MethodDelete, "/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "workflow_not_found", decode[map[string]any](t, body)["type"])
}

func TestAPI_CreateWorkflow_ReportsViolations(t *testing.T) {
	s := setupTestServer(t)

	body := definitionBody()
	body["name"] = ""
	body["trigger"] = map[string]any{"type": "score_change", "config": map[string]any{"direction": "sideways"}}

	resp, data := s.do(t, http.MethodPost, "/workflows", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decode[struct {
		Type       string               `json:"type"`
		Status     int                  `json:"status"`
		Violations []services.Violation `json:"violations"`
	}](t, data)

	assert.Equal(t, "configuration_error", problem.Type)
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.GreaterOrEqual(t, len(problem.Violations), 2)

	resp, _ = s.do(t, http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_CreateWorkflow_InvalidJSON(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ValidateWorkflow(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/workflows/validate", definitionBody())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	all, err := s.persistence.WorkflowRepository().GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAPI_DeleteWorkflowInUse(t *testing.T) {
	s := setupTestServer(t)
	workflow := s.save(t, testutil.CreateTestWorkflow())

	record := testutil.CreateTestExecution(workflow, "c1")
	require.NoError(t, s.persistence.ExecutionRepository().Create(context.Background(), record))

	resp, body := s.do(t, http.MethodDelete, "/workflows/"+workflow.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "workflow_in_use", decode[map[string]any](t, body)["type"])
}

func TestAPI_RunWorkflow(t *testing.T) {
	s := setupTestServer(t)

	manual := s.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.ManualConfig{})))
	scored := s.save(t, testutil.CreateTestWorkflow())

	s.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)
	s.contacts.On("GetContact", mock.Anything, "ghost").Return(nil, crm.ErrContactNotFound)

	t.Run("enqueues an execution", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/workflows/"+manual.ID+"/run", RunWorkflowRequest{ContactID: "c1"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

		record := decode[models.ExecutionRecord](t, body)
		assert.Equal(t, models.ExecutionPending, record.Status)
		assert.Equal(t, "Contact c1", record.ContactName)
		assert.Equal(t, models.TriggerManual, record.TriggeredBy.TriggerType)

		depth, err := s.queue.Len(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("requires a contact id", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodPost, "/workflows/"+manual.ID+"/run", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects non-manual workflows", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodPost, "/workflows/"+scored.ID+"/run", RunWorkflowRequest{ContactID: "c1"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown contact", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/workflows/"+manual.ID+"/run", RunWorkflowRequest{ContactID: "ghost"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "contact_not_found", decode[map[string]any](t, body)["type"])
	})

	t.Run("unknown workflow", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodPost, "/workflows/missing/run", RunWorkflowRequest{ContactID: "c1"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAPI_ContactEventsAndLedger(t *testing.T) {
	s := setupTestServer(t)
	workflow := s.save(t, testutil.CreateTestWorkflow())

	s.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)

	resp, body := s.do(t, http.MethodPost, "/contact-events", models.ContactEvent{
		ContactID: "c1",
		EventType: models.EventScoreChanged,
		OldValue:  40,
		NewValue:  55,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	result := decode[ContactEventResponse](t, body)
	assert.NotEmpty(t, result.EventID)
	require.Len(t, result.Executions, 1)

	executionID := result.Executions[0].ID
	assert.Equal(t, result.EventID, result.Executions[0].TriggeredBy.EventID)

	resp, body = s.do(t, http.MethodGet, "/executions/"+executionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, workflow.ID, decode[models.ExecutionRecord](t, body).WorkflowID)

	resp, body = s.do(t, http.MethodGet, "/workflows/"+workflow.ID+"/executions?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[ExecutionListResponse](t, body)
	assert.Equal(t, 10, list.Limit)
	assert.Len(t, list.Executions, 1)

	resp, body = s.do(t, http.MethodGet, "/executions?limit=100000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.MaxLimit, decode[ExecutionListResponse](t, body).Limit)

	resp, body = s.do(t, http.MethodGet, "/workflows/"+workflow.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[ledger.Summary](t, body).Total)

	resp, _ = s.do(t, http.MethodGet, "/executions?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "execution_not_found", decode[map[string]any](t, body)["type"])

	resp, body = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "crmflow_trigger_matches_total")
}

func TestAPI_ContactEvents_Rejected(t *testing.T) {
	s := setupTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/contact-events", models.ContactEvent{
		ContactID: "c1",
		EventType: "moon_phase",
		NewValue:  1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/contact-events", map[string]any{"event_type": "score_changed", "new_value": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Schemas(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/schemas", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	schemas := decode[SchemasResponse](t, body)
	assert.Len(t, schemas.Triggers, len(models.TriggerTypes))
	assert.Len(t, schemas.Actions, len(models.ActionTypes))
	assert.Contains(t, schemas.Actions[models.ActionAssignTask].Required, "assign_to_user_id")
}
