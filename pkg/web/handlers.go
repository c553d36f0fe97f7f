// Package web provides the HTTP API used by the workflow builder UI: workflow
// definitions, manual runs, the execution ledger and contact event intake.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/crmflow/pkg/ledger"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/dukex/crmflow/pkg/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

type APIHandlers struct {
	store     *services.Store
	evaluator *trigger.Evaluator
	ledger    *ledger.Ledger
	validator *validator.Validate
	logger    *slog.Logger
	schemas   SchemasResponse
}

func NewAPIHandlers(
	store *services.Store,
	evaluator *trigger.Evaluator,
	ledger *ledger.Ledger,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		store:     store,
		evaluator: evaluator,
		ledger:    ledger,
		validator: services.NewValidator(),
		logger:    logger.With("module", "web"),
		schemas:   buildSchemas(),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.store.HealthCheck(c.Context())

	status := "unhealthy"
	message := "crmflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "crmflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetSchemas(c fiber.Ctx) error {
	return c.JSON(h.schemas)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	var (
		workflows []*models.WorkflowDefinition
		err       error
	)

	if active := c.Query("active"); active != "" {
		onlyActive, parseErr := strconv.ParseBool(active)
		if parseErr != nil {
			return badRequest(c, "Invalid query parameter active: "+parseErr.Error())
		}

		if onlyActive {
			workflows, err = h.store.ListActive(c.Context())
		} else {
			workflows, err = h.listInactive(c)
		}
	} else {
		workflows, err = h.store.List(c.Context())
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	if workflows == nil {
		workflows = []*models.WorkflowDefinition{}
	}

	return c.JSON(WorkflowListResponse{Workflows: workflows, TotalCount: len(workflows)})
}

func (h *APIHandlers) listInactive(c fiber.Ctx) ([]*models.WorkflowDefinition, error) {
	all, err := h.store.List(c.Context())
	if err != nil {
		return nil, err
	}

	inactive := make([]*models.WorkflowDefinition, 0, len(all))

	for _, workflow := range all {
		if !workflow.IsActive {
			inactive = append(inactive, workflow)
		}
	}

	return inactive, nil
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.store.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var input services.DefinitionInput
	if err := c.Bind().JSON(&input); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	workflow, err := h.store.Create(c.Context(), input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var input services.DefinitionInput
	if err := c.Bind().JSON(&input); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	workflow, err := h.store.Update(c.Context(), c.Params("id"), input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

// ValidateWorkflow checks a definition without storing it.
func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	var input services.DefinitionInput
	if err := c.Bind().JSON(&input); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	workflow, err := h.store.Validate(input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	return h.setActive(c, true)
}

func (h *APIHandlers) DeactivateWorkflow(c fiber.Ctx) error {
	return h.setActive(c, false)
}

func (h *APIHandlers) setActive(c fiber.Ctx, active bool) error {
	workflow, err := h.store.SetActive(c.Context(), c.Params("id"), active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	err := h.store.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RunWorkflow enqueues one execution of a manual workflow.
func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	var req RunWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.evaluator.RunNow(c.Context(), c.Params("id"), req.ContactID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(record)
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameter limit: "+err.Error())
	}

	records, err := h.ledger.ListByWorkflow(c.Context(), c.Params("id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(executionList(records, limit))
}

func (h *APIHandlers) GetWorkflowSummary(c fiber.Ctx) error {
	summary, err := h.ledger.Summarize(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(summary)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameter limit: "+err.Error())
	}

	records, err := h.ledger.ListRecent(c.Context(), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(executionList(records, limit))
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	record, err := h.ledger.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

// ReceiveContactEvent evaluates a contact state change synchronously and
// returns the executions it enqueued.
func (h *APIHandlers) ReceiveContactEvent(c fiber.Ctx) error {
	var event models.ContactEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	records, err := h.evaluator.HandleEvent(c.Context(), event)
	if err != nil {
		if len(records) == 0 {
			return handleServiceError(c, err)
		}

		h.logger.WarnContext(c.Context(), "Contact event partially enqueued",
			"event_id", event.ID,
			"enqueued", len(records),
			"error", err)
	}

	if records == nil {
		records = []*models.ExecutionRecord{}
	}

	return c.Status(fiber.StatusAccepted).JSON(ContactEventResponse{EventID: event.ID, Executions: records})
}

func parseLimit(c fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return ledger.DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}

	return ledger.ClampLimit(limit), nil
}

func executionList(records []*models.ExecutionRecord, limit int) ExecutionListResponse {
	if records == nil {
		records = []*models.ExecutionRecord{}
	}

	return ExecutionListResponse{Executions: records, Limit: limit}
}
