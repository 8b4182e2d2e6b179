package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// InternalHandler serves service-to-service endpoints.
type InternalHandler struct {
	lifecycle *service.LifecycleService
	chat      *service.ChatAccessService
}

// NewInternalHandler constructs handler.
func NewInternalHandler(lifecycle *service.LifecycleService, chat *service.ChatAccessService) *InternalHandler {
	return &InternalHandler{lifecycle: lifecycle, chat: chat}
}

// Classify PATCH /internal/tickets/:id/classification.
func (h *InternalHandler) Classify(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.ClassifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.lifecycle.Classify(c.UserContext(), actor, c.Params("id"), service.ClassifyInput{
		Type:                 req.Type,
		Category:             req.Category,
		Priority:             req.Priority,
		ResponseSLAMinutes:   req.ResponseSLAMinutes,
		ResolutionSLAMinutes: req.ResolutionSLAMinutes,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// AutoAssign PUT /internal/tickets/:id/auto-assign.
func (h *InternalHandler) AutoAssign(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.lifecycle.AutoAssign(c.UserContext(), actor, c.Params("id"), req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// ChatAccess GET /internal/tickets/:id/chat-access?userId=.
func (h *InternalHandler) ChatAccess(c *fiber.Ctx) error {
	decision, err := h.chat.Check(c.UserContext(), c.Params("id"), c.Query("userId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": decision})
}
