package web

import (
	"errors"

	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleStoreError maps persistence errors of the inspection endpoints.
func handleStoreError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsInstanceNotFound(err):
		return notFound(c, "workflow instance not found")
	case persistence.IsOutboxEventNotFound(err):
		return notFound(c, "outbox event not found")
	case errors.Is(err, persistence.ErrNotDeadLettered):
		return conflict(c, "outbox event is not dead-lettered")
	default:
		return internalError(c, err)
	}
}

// statusFor maps a kernel error code to the HTTP status of its envelope.
func statusFor(code kernel.ErrorCode) int {
	switch code {
	case kernel.CodeValidation, kernel.CodeMissingOrgID:
		return fiber.StatusBadRequest
	case kernel.CodeVersionConflict:
		return fiber.StatusConflict
	case kernel.CodeInvalidStateTransition:
		return fiber.StatusUnprocessableEntity
	case kernel.CodePolicyDenied:
		return fiber.StatusForbidden
	case kernel.CodeNotFound:
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

func respond[T any](c fiber.Ctx, resp kernel.Response[T], okStatus int) error {
	c.Set(HeaderRequestID, resp.RequestID)

	if resp.OK {
		return c.Status(okStatus).JSON(resp)
	}

	return c.Status(statusFor(resp.Error.Code)).JSON(resp)
}
