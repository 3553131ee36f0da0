// Package web provides HTTP handlers and REST API endpoints for entity
// mutations and workflow inspection.
package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/kernelflow/pkg/health"
	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderOrgID     = "X-Org-ID"
	HeaderRoles     = "X-Roles"
	HeaderRequestID = "X-Request-ID"

	// Channel is recorded on audit entries written through the API.
	Channel = "http"
)

type APIHandlers struct {
	kernel      *kernel.Kernel
	engine      *workflow.Engine
	monitor     *health.Monitor
	persistence persistence.Persistence
	validator   *validator.Validate
	now         func() time.Time
}

func NewAPIHandlers(
	kernel *kernel.Kernel,
	engine *workflow.Engine,
	monitor *health.Monitor,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		kernel:      kernel,
		engine:      engine,
		monitor:     monitor,
		persistence: persistence,
		validator:   validator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Mount registers every endpoint on r.
func (h *APIHandlers) Mount(r fiber.Router) {
	e := r.Group("/entities/:type")
	e.Get("/", h.ListEntities)
	e.Post("/mutations", h.Mutate)
	e.Get("/:id", h.GetEntity)
	e.Get("/:id/versions", h.GetVersions)
	e.Get("/:id/audit", h.GetAuditLogs)

	i := r.Group("/instances")
	i.Get("/:id", h.GetInstance)
	i.Get("/:id/steps", h.GetSteps)
	i.Post("/:id/cancel", h.CancelInstance)

	r.Get("/health/stats", h.GetHealthStats)
	r.Post("/outbox/:id/requeue", h.RequeueOutboxEvent)
	r.Get("/health", h.HealthCheck)
}

// mutationContext resolves the caller from the request headers. The request
// id is generated when the client did not send one.
func mutationContext(c fiber.Ctx) kernel.MutationContext {
	requestID := c.Get(HeaderRequestID)
	if requestID == "" {
		requestID = models.NewID()
	}

	var roles []string

	for role := range strings.SplitSeq(c.Get(HeaderRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}

	return kernel.MutationContext{
		Actor: kernel.Actor{
			UserID: c.Get(HeaderUserID),
			OrgID:  c.Get(HeaderOrgID),
			Roles:  roles,
		},
		RequestID: requestID,
		Channel:   Channel,
	}
}

func (h *APIHandlers) Mutate(c fiber.Ctx) error {
	var req MutationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	spec, err := req.Spec(c.Params("type"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	status := fiber.StatusOK
	if spec.ActionType.Verb == kernel.VerbCreate {
		status = fiber.StatusCreated
	}

	return respond(c, h.kernel.Mutate(c.Context(), spec, mutationContext(c)), status)
}

func (h *APIHandlers) ListEntities(c fiber.Ctx) error {
	opts, err := parseListOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	return respond(c, h.kernel.ListEntities(c.Context(), mutationContext(c), c.Params("type"), opts), fiber.StatusOK)
}

func parseListOptions(c fiber.Ctx) (persistence.ListOptions, error) {
	var opts persistence.ListOptions

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return opts, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return opts, err
		}

		opts.Offset = offset
	}

	if deletedStr := c.Query("include_deleted"); deletedStr != "" {
		includeDeleted, err := strconv.ParseBool(deletedStr)
		if err != nil {
			return opts, err
		}

		opts.IncludeDeleted = includeDeleted
	}

	return opts, nil
}

func (h *APIHandlers) GetEntity(c fiber.Ctx) error {
	return respond(c, h.kernel.ReadEntity(c.Context(), mutationContext(c), c.Params("type"), c.Params("id")), fiber.StatusOK)
}

func (h *APIHandlers) GetVersions(c fiber.Ctx) error {
	return respond(c, h.kernel.GetVersions(c.Context(), mutationContext(c), c.Params("type"), c.Params("id")), fiber.StatusOK)
}

func (h *APIHandlers) GetAuditLogs(c fiber.Ctx) error {
	return respond(c, h.kernel.GetAuditLogs(c.Context(), mutationContext(c), c.Params("type"), c.Params("id")), fiber.StatusOK)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	orgID := c.Get(HeaderOrgID)
	if orgID == "" {
		return badRequest(c, HeaderOrgID+" header is required")
	}

	inst, err := h.engine.FetchInstance(c.Context(), orgID, c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) GetSteps(c fiber.Ctx) error {
	orgID := c.Get(HeaderOrgID)
	if orgID == "" {
		return badRequest(c, HeaderOrgID+" header is required")
	}

	steps, err := h.engine.FetchSteps(c.Context(), orgID, c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	if steps == nil {
		steps = []*models.WorkflowStep{}
	}

	return c.JSON(fiber.Map{
		"instance_id": c.Params("id"),
		"steps":       steps,
	})
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	orgID := c.Get(HeaderOrgID)
	if orgID == "" {
		return badRequest(c, HeaderOrgID+" header is required")
	}

	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	inst, err := h.engine.Cancel(c.Context(), orgID, c.Params("id"), req.Reason)
	if err != nil {
		if errors.Is(err, workflow.ErrInstanceNotRunning) {
			return conflict(c, "workflow instance is not running")
		}

		return handleStoreError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) GetHealthStats(c fiber.Ctx) error {
	stats, err := h.monitor.Stats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) RequeueOutboxEvent(c fiber.Ctx) error {
	id := c.Params("id")

	if err := outbox.Requeue(c.Context(), h.persistence, id, h.now()); err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(RequeueResponse{ID: id, Status: models.OutboxStatusPending})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "kernelflow API is healthy"
	httpStatus := http.StatusOK
	check := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "kernelflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
		check = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": check,
		},
		"timestamp": time.Now().UTC(),
	})
}
