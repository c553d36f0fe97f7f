package template

import (
	"testing"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_ContactFields(t *testing.T) {
	data := map[string]any{
		"name":  "Ada",
		"score": 72.0,
		"tags":  []string{"vip", "trial"},
	}

	result, err := Render("Hi {{ name }}, your score is {{ score|floatformat:0 }}", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, your score is 72", result)

	result, err = Render("{% if \"vip\" in tags %}VIP{% else %}regular{% endif %}", data)
	require.NoError(t, err)
	assert.Equal(t, "VIP", result)
}

func TestRender_PlainTextIsUntouched(t *testing.T) {
	result, err := Render("Welcome aboard", nil)
	require.NoError(t, err)
	assert.Equal(t, "Welcome aboard", result)
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("{% if %}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}

func TestRender_MissingVariableRendersEmpty(t *testing.T) {
	result, err := Render("Hello {{ nickname }}!", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello !", result)
}

func TestExecutionData(t *testing.T) {
	record := &models.ExecutionRecord{
		ID:           "exec-1",
		WorkflowID:   "wf-1",
		WorkflowName: "Nurture",
		TriggeredBy:  models.TriggeredBy{TriggerType: models.TriggerManual, Description: "Manual run"},
	}
	contact := &models.Contact{ID: "c-1", Name: "Ada", Status: models.ContactLead}

	data := ExecutionData(record, contact)

	result, err := Render("{{ name }} / {{ contact.status }} / {{ workflow.name }} / {{ execution.id }}", data)
	require.NoError(t, err)
	assert.Equal(t, "Ada / lead / Nurture / exec-1", result)
}

func TestRenderValue(t *testing.T) {
	data := map[string]any{"score": 10.0, "is_federated": true, "name": "Ada"}

	value, err := RenderValue("{{ score }}", data)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, value, 0.001)

	value, err = RenderValue("{{ is_federated }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, value)

	value, err = RenderValue("{{ name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "Ada", value)
}
