// Package template renders contact-aware text for action configurations.
package template

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/flosch/pongo2/v4"
)

// NeedsTemplating reports whether input contains template tags.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{") || strings.Contains(input, "{%")
}

// Render executes a pongo2 template against data.
func Render(templateStr string, data map[string]any) (string, error) {
	if !NeedsTemplating(templateStr) {
		return templateStr, nil
	}

	tpl, err := pongo2.FromString(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	ctx := pongo2.Context{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
	}
	maps.Copy(ctx, data)

	result, err := tpl.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return result, nil
}

// ExecutionData is the template context for one action of an execution.
// Contact fields are available at the top level and under "contact".
func ExecutionData(record *models.ExecutionRecord, contact *models.Contact) map[string]any {
	data := map[string]any{
		"workflow": map[string]any{
			"id":   record.WorkflowID,
			"name": record.WorkflowName,
		},
		"execution": map[string]any{
			"id":           record.ID,
			"trigger_type": string(record.TriggeredBy.TriggerType),
			"triggered_by": record.TriggeredBy.Description,
		},
	}

	if contact != nil {
		contactData := contact.TemplateData()
		maps.Copy(data, contactData)
		data["contact"] = contactData
	}

	return data
}

// RenderValue renders a template and coerces the output to a number or a
// boolean when it parses as one.
func RenderValue(templateStr string, data map[string]any) (any, error) {
	result, err := Render(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
