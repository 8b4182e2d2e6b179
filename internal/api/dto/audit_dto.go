package dto

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// AuditEntryResponse is one history row.
type AuditEntryResponse struct {
	ID         string               `json:"id"`
	TicketID   string               `json:"ticket_id"`
	Type       domain.AuditType     `json:"type"`
	ActorID    string               `json:"actor_id"`
	ActorName  string               `json:"actor_name"`
	ActorEmail string               `json:"actor_email"`
	Changes    []domain.FieldChange `json:"changes"`
	Comment    *string              `json:"comment,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// NewAuditEntryResponse maps an entry.
func NewAuditEntryResponse(e *domain.AuditEntry) AuditEntryResponse {
	changes := e.Changes
	if changes == nil {
		changes = []domain.FieldChange{}
	}
	return AuditEntryResponse{
		ID:         e.ID,
		TicketID:   e.TicketID,
		Type:       e.Type,
		ActorID:    e.ActorID,
		ActorName:  e.ActorName,
		ActorEmail: e.ActorEmail,
		Changes:    changes,
		Comment:    e.Comment,
		CreatedAt:  e.CreatedAt,
	}
}

// NewAuditEntryResponses maps a page of entries.
func NewAuditEntryResponses(entries []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, NewAuditEntryResponse(&entries[i]))
	}
	return out
}
