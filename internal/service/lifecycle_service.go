package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/directory"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

var (
	statusChangeRoles   = []domain.Role{domain.RoleSupport, domain.RoleJuniorSupport, domain.RoleInternalAdmin}
	priorityChangeRoles = []domain.Role{domain.RoleSupport, domain.RoleInternalAdmin}
	assignableRoles     = []domain.Role{domain.RoleSupport, domain.RoleJuniorSupport}
	staffRoles          = []domain.Role{domain.RoleSupport, domain.RoleJuniorSupport, domain.RoleInternalAdmin, domain.RoleGeneralAdmin}
)

// Notifier is told when new outbox rows have been committed.
type Notifier interface {
	Notify()
}

// LifecycleService is the ticket state machine. Every mutation validates first,
// then commits the ticket write, its audit entry and its outbox events in one
// conditional transaction.
type LifecycleService struct {
	store     repository.TicketStore
	directory directory.Client
	cache     repository.TicketCache
	notifier  Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// LifecycleDependencies bundles collaborators for the state machine.
type LifecycleDependencies struct {
	Store     repository.TicketStore
	Directory directory.Client
	Cache     repository.TicketCache
	Notifier  Notifier
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// NewLifecycleService constructs the service.
func NewLifecycleService(deps LifecycleDependencies) *LifecycleService {
	s := &LifecycleService{
		store:     deps.Store,
		directory: deps.Directory,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Clock,
	}
	if s.cache == nil {
		s.cache = repository.NewRedisTicketCache(nil, 0)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "lifecycle"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateTicketInput describes a ticket submission.
type CreateTicketInput struct {
	Title       string
	Description string
	ServiceType *string
	Priority    string
}

// ClassifyInput carries the external classifier's verdict. Nil fields are left untouched.
type ClassifyInput struct {
	Type                 *string
	Category             *string
	Priority             *string
	ResponseSLAMinutes   *int
	ResolutionSLAMinutes *int
}

type outboxIntent struct {
	key     events.RoutingKey
	payload any
}

// Create opens a ticket for the calling user's tenant.
func (s *LifecycleService) Create(ctx context.Context, actor domain.Actor, in CreateTicketInput) (*domain.Ticket, error) {
	if actor.Service || actor.ID == "" {
		return nil, apperrors.NewForbidden("tickets are created by users")
	}
	if actor.TenantID == "" {
		return nil, apperrors.NewValidationError("caller has no tenant", nil)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("title is required", map[string]any{"field": "title"})
	}
	priority := domain.PriorityMedium
	var requested *domain.TicketPriority
	if strings.TrimSpace(in.Priority) != "" {
		p, err := domain.ParsePriority(in.Priority)
		if err != nil {
			return nil, apperrors.NewValidationError(err.Error(), map[string]any{"field": "priority"})
		}
		priority = p
		requested = &p
	}

	now := s.now()
	ticket := &domain.Ticket{
		ID:          uuid.NewString(),
		TenantID:    actor.TenantID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		ServiceType: in.ServiceType,
		CreatorID:   actor.ID,
		State:       domain.StateOpen,
		Priority:    priority,
		CreatedAt:   now,
	}
	return s.commit(ctx, "create", actor, nil, ticket, domain.AuditCreation, nil, outboxIntent{
		key: events.TicketCreated,
		payload: events.TicketCreatedPayload{
			ID:          ticket.ID,
			Title:       ticket.Title,
			Description: ticket.Description,
			TenantID:    ticket.TenantID,
			ServiceType: ticket.ServiceType,
			Priority:    requested,
		},
	})
}

// Get returns a ticket visible to actor.
func (s *LifecycleService) Get(ctx context.Context, actor domain.Actor, ticketID string) (*domain.Ticket, error) {
	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, ticket) {
		return nil, apperrors.NewForbidden("you cannot access this ticket")
	}
	return ticket, nil
}

// ChangeStatus moves a ticket along the state graph.
func (s *LifecycleService) ChangeStatus(ctx context.Context, actor domain.Actor, ticketID, rawState string, comment *string) (*domain.Ticket, error) {
	next, err := domain.ParseState(rawState)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error(), map[string]any{"field": "state"})
	}
	if err := requireRole(actor, statusChangeRoles...); err != nil {
		return nil, err
	}
	before, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !canModify(actor, before) {
		return nil, apperrors.NewForbidden("you cannot modify tickets of another tenant")
	}
	if !CanTransition(before.State, next) {
		return nil, apperrors.NewInvalidTransition(string(before.State), string(next))
	}
	comment = trimmed(comment)
	if next == domain.StateWaiting && comment == nil {
		return nil, apperrors.NewValidationError("a reason is required to put a ticket on hold", map[string]any{"field": "comment"})
	}

	after := before.Clone()
	applyTransition(after, next, s.now())
	return s.commit(ctx, "change_status", actor, before, after, domain.AuditStatusChange, comment, outboxIntent{
		key: events.TicketStatusChanged,
		payload: events.TicketStatusChangedPayload{
			ID:            after.ID,
			NewState:      after.State,
			PreviousState: before.State,
			ActorID:       actor.ID,
		},
	})
}

// Assign hands a ticket to an eligible agent of the ticket's tenant. An open
// ticket moves to in_progress.
func (s *LifecycleService) Assign(ctx context.Context, actor domain.Actor, ticketID, agentID string) (*domain.Ticket, error) {
	if err := requireRole(actor, domain.RoleInternalAdmin); err != nil {
		return nil, err
	}
	before, agent, err := s.prepareAssignment(ctx, ticketID, agentID)
	if err != nil {
		return nil, err
	}
	after := assignTo(before, agent.ID, s.now())
	return s.commit(ctx, "assign", actor, before, after, domain.AuditAssignment, nil, outboxIntent{
		key: events.TicketAssigned,
		payload: events.TicketAssignedPayload{
			ID:        after.ID,
			AgentID:   agent.ID,
			AgentName: agent.Name,
			NewState:  after.State,
		},
	})
}

// AutoAssign is Assign for the trusted classifier: no admin role check, and a
// ticket.auto_assigned event instead of ticket.assigned.
func (s *LifecycleService) AutoAssign(ctx context.Context, actor domain.Actor, ticketID, agentID string) (*domain.Ticket, error) {
	if err := requireService(actor); err != nil {
		return nil, err
	}
	before, agent, err := s.prepareAssignment(ctx, ticketID, agentID)
	if err != nil {
		return nil, err
	}
	after := assignTo(before, agent.ID, s.now())
	return s.commit(ctx, "auto_assign", actor, before, after, domain.AuditAssignment, nil, outboxIntent{
		key: events.TicketAutoAssigned,
		payload: events.TicketAutoAssignedPayload{
			ID:       after.ID,
			AgentID:  agent.ID,
			NewState: after.State,
		},
	})
}

// Delegate passes the caller's ticket to a trainee; the caller becomes tutor.
// The state never changes.
func (s *LifecycleService) Delegate(ctx context.Context, actor domain.Actor, ticketID, traineeID string) (*domain.Ticket, error) {
	if err := requireRole(actor, domain.RoleSupport); err != nil {
		return nil, err
	}
	traineeID = strings.TrimSpace(traineeID)
	if traineeID == "" {
		return nil, apperrors.NewValidationError("trainee id is required", map[string]any{"field": "traineeId"})
	}
	if traineeID == actor.ID {
		return nil, apperrors.NewValidationError("cannot delegate a ticket to yourself", nil)
	}
	before, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if before.AssignedAgentID == nil || *before.AssignedAgentID != actor.ID {
		return nil, apperrors.NewForbidden("you can only delegate tickets assigned to you")
	}
	if before.State == domain.StateClosed {
		return nil, apperrors.NewValidationError("closed tickets cannot be delegated", map[string]any{"ticket_id": before.ID})
	}
	trainee, err := s.verify(ctx, traineeID, before.TenantID, domain.RoleJuniorSupport)
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	tutor := actor.ID
	after.TutorID = &tutor
	after.AssignedAgentID = &trainee.ID
	return s.commit(ctx, "delegate", actor, before, after, domain.AuditDelegation, nil, outboxIntent{
		key: events.TicketDelegated,
		payload: events.TicketDelegatedPayload{
			ID:          after.ID,
			TraineeID:   trainee.ID,
			TutorID:     tutor,
			TraineeName: trainee.Name,
		},
	})
}

// Classify records the classifier's verdict and derives SLA deadlines once.
func (s *LifecycleService) Classify(ctx context.Context, actor domain.Actor, ticketID string, in ClassifyInput) (*domain.Ticket, error) {
	if err := requireService(actor); err != nil {
		return nil, err
	}
	var priority *domain.TicketPriority
	if in.Priority != nil && strings.TrimSpace(*in.Priority) != "" {
		p, err := domain.ParsePriority(*in.Priority)
		if err != nil {
			return nil, apperrors.NewValidationError(err.Error(), map[string]any{"field": "priority"})
		}
		priority = &p
	}
	for field, v := range map[string]*int{"responseSlaMinutes": in.ResponseSLAMinutes, "resolutionSlaMinutes": in.ResolutionSLAMinutes} {
		if v != nil && *v <= 0 {
			return nil, apperrors.NewValidationError("SLA minutes must be positive", map[string]any{"field": field})
		}
	}
	before, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	applyClassification(after, in, priority, s.now())
	return s.commit(ctx, "classify", actor, before, after, domain.AuditClassification, nil, outboxIntent{
		key: events.TicketClassified,
		payload: events.TicketClassifiedPayload{
			ID:       after.ID,
			Type:     after.Type,
			Priority: after.Priority,
			Category: after.Category,
		},
	})
}

// ChangePriority updates the urgency of a ticket.
func (s *LifecycleService) ChangePriority(ctx context.Context, actor domain.Actor, ticketID, rawPriority string) (*domain.Ticket, error) {
	priority, err := domain.ParsePriority(rawPriority)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error(), map[string]any{"field": "priority"})
	}
	if err := requireRole(actor, priorityChangeRoles...); err != nil {
		return nil, err
	}
	before, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !canModify(actor, before) {
		return nil, apperrors.NewForbidden("you cannot modify tickets of another tenant")
	}
	if before.Priority == priority {
		return before, nil
	}

	after := before.Clone()
	after.Priority = priority
	return s.commit(ctx, "change_priority", actor, before, after, domain.AuditPriorityChange, nil, outboxIntent{
		key: events.TicketPriorityChanged,
		payload: events.TicketPriorityChangedPayload{
			ID:               after.ID,
			Priority:         after.Priority,
			PreviousPriority: before.Priority,
		},
	})
}

// Comment appends a free-text audit entry without touching the ticket.
func (s *LifecycleService) Comment(ctx context.Context, actor domain.Actor, ticketID, text string) (*domain.AuditEntry, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil, apperrors.NewValidationError("comment is required", map[string]any{"field": "comment"})
	}
	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, ticket) {
		return nil, apperrors.NewForbidden("you cannot comment on this ticket")
	}

	entry := s.auditEntry(actor, ticket.ID, domain.AuditComment, []domain.FieldChange{}, &body, s.now())
	if err := s.store.Apply(ctx, repository.Mutation{Audit: entry}); err != nil {
		mapped := storeError(err, ticket.ID)
		s.metrics.RecordMutation("comment", apperrors.ToDomainError(mapped).Code)
		return nil, mapped
	}
	s.metrics.RecordMutation("comment", "ok")
	return entry, nil
}

func (s *LifecycleService) prepareAssignment(ctx context.Context, ticketID, agentID string) (*domain.Ticket, *directory.User, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, nil, apperrors.NewValidationError("agent id is required", map[string]any{"field": "agentId"})
	}
	before, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	if before.State == domain.StateClosed {
		return nil, nil, apperrors.NewValidationError("closed tickets cannot be assigned", map[string]any{"ticket_id": before.ID})
	}
	agent, err := s.verify(ctx, agentID, before.TenantID, assignableRoles...)
	if err != nil {
		return nil, nil, err
	}
	return before, agent, nil
}

func (s *LifecycleService) verify(ctx context.Context, userID, tenantID string, roles ...domain.Role) (*directory.User, error) {
	if s.directory == nil {
		return nil, apperrors.NewUpstreamUnavailable("directory", errors.New("directory client not configured"))
	}
	return directory.VerifyEligible(ctx, s.directory, userID, tenantID, roles...)
}

func assignTo(before *domain.Ticket, agentID string, now time.Time) *domain.Ticket {
	after := before.Clone()
	after.AssignedAgentID = &agentID
	if after.State == domain.StateOpen {
		applyTransition(after, domain.StateInProgress, now)
	}
	return after
}

func (s *LifecycleService) load(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	id := strings.TrimSpace(ticketID)
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewValidationError("invalid ticket id", map[string]any{"ticket_id": ticketID})
	}
	ticket, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, id)
	}
	return ticket, nil
}

// commit persists after (nil before means create) with one audit entry and the
// given events, then refreshes the gate cache and wakes the relay.
func (s *LifecycleService) commit(ctx context.Context, op string, actor domain.Actor, before, after *domain.Ticket, auditType domain.AuditType, comment *string, intents ...outboxIntent) (*domain.Ticket, error) {
	now := s.now()
	after.UpdatedAt = now

	m := repository.Mutation{
		Ticket: after,
		Audit:  s.auditEntry(actor, after.ID, auditType, domain.Diff(before, after), comment, now),
	}
	if before == nil {
		m.Create = true
	} else {
		m.ExpectedVersion = before.Version
	}
	for _, intent := range intents {
		ev, err := events.NewOutboxEvent(intent.key, after.ID, intent.payload, now)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		m.Events = append(m.Events, ev)
	}

	if err := s.store.Apply(ctx, m); err != nil {
		mapped := storeError(err, after.ID)
		s.metrics.RecordMutation(op, apperrors.ToDomainError(mapped).Code)
		if apperrors.HasCode(mapped, apperrors.CodeConcurrentModification) {
			s.logger.Info("ticket changed concurrently", zap.String("ticket_id", after.ID), zap.String("operation", op))
		}
		return nil, mapped
	}
	s.metrics.RecordMutation(op, "ok")

	if before != nil {
		s.refreshCache(ctx, after)
	}
	if s.notifier != nil {
		s.notifier.Notify()
	}
	s.logger.Info("ticket mutated",
		zap.String("operation", op),
		zap.String("ticket_id", after.ID),
		zap.String("actor_id", actor.ID),
		zap.String("state", string(after.State)),
		zap.Int64("version", after.Version))
	return after, nil
}

// refreshCache writes the committed snapshot so a reader holding an older one
// cannot put it back. If the write fails the entry is dropped instead.
func (s *LifecycleService) refreshCache(ctx context.Context, t *domain.Ticket) {
	err := s.cache.Set(ctx, t)
	if err == nil {
		return
	}
	s.logger.Warn("ticket cache refresh failed", zap.String("ticket_id", t.ID), zap.Error(err))
	if err := s.cache.Invalidate(ctx, t.ID); err != nil {
		s.logger.Warn("ticket cache invalidation failed", zap.String("ticket_id", t.ID), zap.Error(err))
	}
}

func (s *LifecycleService) auditEntry(actor domain.Actor, ticketID string, typ domain.AuditType, changes []domain.FieldChange, comment *string, now time.Time) *domain.AuditEntry {
	return &domain.AuditEntry{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		Type:       typ,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		ActorEmail: actor.Email,
		Changes:    changes,
		Comment:    comment,
		CreatedAt:  now,
	}
}

func requireRole(actor domain.Actor, roles ...domain.Role) error {
	if actor.ID == "" {
		return apperrors.NewUnauthorized("authentication required")
	}
	if actor.Service || !actor.Role.In(roles...) {
		return apperrors.NewForbidden("insufficient role for this operation")
	}
	return nil
}

func requireService(actor domain.Actor) error {
	if !actor.Service {
		return apperrors.NewForbidden("operation reserved for trusted services")
	}
	return nil
}

func canView(actor domain.Actor, t *domain.Ticket) bool {
	switch {
	case actor.Service:
		return true
	case t.IsParticipant(actor.ID):
		return true
	case actor.Role == domain.RoleGeneralAdmin:
		return true
	case actor.Role.In(staffRoles...):
		return actor.TenantID == t.TenantID || actor.Role == domain.RoleInternalAdmin
	default:
		return false
	}
}

// canModify limits staff writes to their own tenant; admins act across tenants.
func canModify(actor domain.Actor, t *domain.Ticket) bool {
	if actor.Role.In(domain.RoleInternalAdmin, domain.RoleGeneralAdmin) {
		return true
	}
	return actor.TenantID == t.TenantID
}

func storeError(err error, ticketID string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	case errors.Is(err, repository.ErrConcurrentModification):
		return apperrors.NewConcurrentModification(ticketID)
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewStorageError(err)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
