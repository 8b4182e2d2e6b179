package service

import (
	"context"
	"strings"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

var auditReaderRoles = []domain.Role{domain.RoleInternalAdmin, domain.RoleGeneralAdmin}

// AuditService exposes the read side of the audit log.
type AuditService struct {
	audit     repository.AuditRepository
	lifecycle *LifecycleService
}

// NewAuditService constructs the service. lifecycle is used to authorize
// per-ticket reads.
func NewAuditService(audit repository.AuditRepository, lifecycle *LifecycleService) *AuditService {
	return &AuditService{audit: audit, lifecycle: lifecycle}
}

// AuditFilter is the raw query accepted at the boundary.
type AuditFilter struct {
	TicketID string
	Type     string
	ActorID  string
	Limit    int
	Offset   int
}

// ListByTicket returns a ticket's history, newest first.
func (s *AuditService) ListByTicket(ctx context.Context, actor domain.Actor, ticketID string, limit, offset int) ([]domain.AuditEntry, error) {
	return s.List(ctx, actor, AuditFilter{TicketID: ticketID, Limit: limit, Offset: offset})
}

// ListByType returns entries of one type across tickets.
func (s *AuditService) ListByType(ctx context.Context, actor domain.Actor, rawType string, limit, offset int) ([]domain.AuditEntry, error) {
	return s.List(ctx, actor, AuditFilter{Type: rawType, Limit: limit, Offset: offset})
}

// ListByActor returns entries authored by actorID.
func (s *AuditService) ListByActor(ctx context.Context, actor domain.Actor, actorID string, limit, offset int) ([]domain.AuditEntry, error) {
	return s.List(ctx, actor, AuditFilter{ActorID: actorID, Limit: limit, Offset: offset})
}

// List runs a combined query. Per-ticket reads follow ticket visibility; cross
// ticket reads are limited to administrators, or to callers reading their own entries.
func (s *AuditService) List(ctx context.Context, actor domain.Actor, f AuditFilter) ([]domain.AuditEntry, error) {
	q := repository.AuditQuery{
		TicketID: strings.TrimSpace(f.TicketID),
		ActorID:  strings.TrimSpace(f.ActorID),
		Limit:    f.Limit,
		Offset:   f.Offset,
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, apperrors.NewValidationError("limit and offset must not be negative", nil)
	}
	if raw := strings.TrimSpace(f.Type); raw != "" {
		typ, err := domain.ParseAuditType(raw)
		if err != nil {
			return nil, apperrors.NewValidationError(err.Error(), map[string]any{"field": "type"})
		}
		q.Type = typ
	}

	switch {
	case q.TicketID != "":
		if _, err := s.lifecycle.Get(ctx, actor, q.TicketID); err != nil {
			return nil, err
		}
	case actor.Service || actor.Role.In(auditReaderRoles...):
	case q.ActorID != "" && q.ActorID == actor.ID:
	default:
		return nil, apperrors.NewForbidden("audit queries across tickets require an administrator")
	}

	entries, err := s.audit.List(ctx, q)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return entries, nil
}
