package dto

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ServiceType *string `json:"service_type"`
	Priority    string  `json:"priority"`
}

// ChangeStatusRequest payload. State is normalized server side ("In-Progress" works).
type ChangeStatusRequest struct {
	State   string  `json:"state"`
	Comment *string `json:"comment"`
}

// AssignRequest payload, shared by manual and automatic assignment.
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// DelegateRequest payload.
type DelegateRequest struct {
	TraineeID string `json:"trainee_id"`
}

// ChangePriorityRequest payload.
type ChangePriorityRequest struct {
	Priority string `json:"priority"`
}

// CommentRequest payload.
type CommentRequest struct {
	Comment string `json:"comment"`
}

// ClassifyRequest is sent by the classification service.
type ClassifyRequest struct {
	Type                 *string `json:"type"`
	Category             *string `json:"category"`
	Priority             *string `json:"priority"`
	ResponseSLAMinutes   *int    `json:"response_sla_minutes"`
	ResolutionSLAMinutes *int    `json:"resolution_sla_minutes"`
}

// TicketResponse is the full ticket view.
type TicketResponse struct {
	ID                   string                `json:"id"`
	TenantID             string                `json:"tenant_id"`
	Title                string                `json:"title"`
	Description          string                `json:"description"`
	ServiceType          *string               `json:"service_type"`
	CreatorID            string                `json:"creator_id"`
	AssignedAgentID      *string               `json:"assigned_agent_id"`
	TutorID              *string               `json:"tutor_id"`
	State                domain.TicketState    `json:"state"`
	Priority             domain.TicketPriority `json:"priority"`
	Type                 *string               `json:"type"`
	Category             *string               `json:"category"`
	ResponseSLAMinutes   *int                  `json:"response_sla_minutes"`
	ResolutionSLAMinutes *int                  `json:"resolution_sla_minutes"`
	ClassifiedAt         *time.Time            `json:"classified_at"`
	ResponseDeadline     *time.Time            `json:"response_deadline"`
	ResolutionDeadline   *time.Time            `json:"resolution_deadline"`
	FirstResponseAt      *time.Time            `json:"first_response_at"`
	ResolvedAt           *time.Time            `json:"resolved_at"`
	WaitingMinutes       int                   `json:"waiting_minutes"`
	Version              int64                 `json:"version"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// NewTicketResponse maps the aggregate to its wire form.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:                   t.ID,
		TenantID:             t.TenantID,
		Title:                t.Title,
		Description:          t.Description,
		ServiceType:          t.ServiceType,
		CreatorID:            t.CreatorID,
		AssignedAgentID:      t.AssignedAgentID,
		TutorID:              t.TutorID,
		State:                t.State,
		Priority:             t.Priority,
		Type:                 t.Type,
		Category:             t.Category,
		ResponseSLAMinutes:   t.ResponseSLAMinutes,
		ResolutionSLAMinutes: t.ResolutionSLAMinutes,
		ClassifiedAt:         t.ClassifiedAt,
		ResponseDeadline:     t.ResponseDeadline,
		ResolutionDeadline:   t.ResolutionDeadline,
		FirstResponseAt:      t.FirstResponseAt,
		ResolvedAt:           t.ResolvedAt,
		WaitingMinutes:       t.WaitingMinutes,
		Version:              t.Version,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}
