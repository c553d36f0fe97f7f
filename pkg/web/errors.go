package web

import (
	"errors"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/dukex/crmflow/pkg/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// validationProblem is a 400 problem carrying every field-level violation.
type validationProblem struct {
	*problems.DefaultProblem

	Violations []services.Violation `json:"violations"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// handleServiceError maps engine errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var (
		configErr *services.ConfigurationError
		inUseErr  *services.InUseError
		fieldErrs validator.ValidationErrors
	)

	switch {
	case errors.As(err, &configErr):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("configuration_error").
			WithDetail(services.ErrInvalidDefinition.Error())

		return c.Status(fiber.StatusBadRequest).JSON(validationProblem{
			DefaultProblem: problem,
			Violations:     configErr.Violations,
		})

	case errors.As(err, &fieldErrs),
		errors.Is(err, trigger.ErrUnsupportedEvent),
		errors.Is(err, trigger.ErrInvalidEvent):
		return badRequest(c, err.Error())

	case errors.As(err, &inUseErr):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("workflow_in_use").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution_not_found", "execution not found")

	case errors.Is(err, crm.ErrContactNotFound):
		return notFound(c, "contact_not_found", "contact not found")

	default:
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
