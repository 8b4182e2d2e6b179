package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// RoutingKey enumerates the topic-exchange keys published by the lifecycle core.
type RoutingKey string

const (
	TicketCreated         RoutingKey = "ticket.created"
	TicketStatusChanged   RoutingKey = "ticket.status_changed"
	TicketAssigned        RoutingKey = "ticket.assigned"
	TicketDelegated       RoutingKey = "ticket.delegated"
	TicketClassified      RoutingKey = "ticket.classified"
	TicketAutoAssigned    RoutingKey = "ticket.auto_assigned"
	TicketPriorityChanged RoutingKey = "ticket.priority_changed"
)

// Envelope wraps every payload put on the wire.
type Envelope struct {
	EventID    string          `json:"eventId"`
	RoutingKey RoutingKey      `json:"routingKey"`
	OccurredAt time.Time       `json:"occurredAt"`
	Ticket     json.RawMessage `json:"ticket"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	TenantID    string                 `json:"tenantId"`
	ServiceType *string                `json:"serviceType,omitempty"`
	Priority    *domain.TicketPriority `json:"priority,omitempty"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	ID            string             `json:"id"`
	NewState      domain.TicketState `json:"newState"`
	PreviousState domain.TicketState `json:"previousState"`
	ActorID       string             `json:"actorId"`
}

// TicketAssignedPayload payload.
type TicketAssignedPayload struct {
	ID        string             `json:"id"`
	AgentID   string             `json:"agentId"`
	AgentName string             `json:"agentName"`
	NewState  domain.TicketState `json:"newState"`
}

// TicketDelegatedPayload payload.
type TicketDelegatedPayload struct {
	ID          string `json:"id"`
	TraineeID   string `json:"traineeId"`
	TutorID     string `json:"tutorId"`
	TraineeName string `json:"traineeName"`
}

// TicketClassifiedPayload payload.
type TicketClassifiedPayload struct {
	ID       string                `json:"id"`
	Type     *string               `json:"type"`
	Priority domain.TicketPriority `json:"priority"`
	Category *string               `json:"category"`
}

// TicketAutoAssignedPayload payload.
type TicketAutoAssignedPayload struct {
	ID       string             `json:"id"`
	AgentID  string             `json:"agentId"`
	NewState domain.TicketState `json:"newState"`
}

// TicketPriorityChangedPayload payload.
type TicketPriorityChangedPayload struct {
	ID               string                `json:"id"`
	Priority         domain.TicketPriority `json:"priority"`
	PreviousPriority domain.TicketPriority `json:"previousPriority"`
}

// NewOutboxEvent serializes payload into an envelope ready to be persisted
// alongside the ticket mutation.
func NewOutboxEvent(key RoutingKey, ticketID string, payload any, now time.Time) (domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	id := uuid.NewString()
	env, err := json.Marshal(Envelope{
		EventID:    id,
		RoutingKey: key,
		OccurredAt: now.UTC(),
		Ticket:     body,
	})
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	return domain.OutboxEvent{
		ID:            id,
		AggregateID:   ticketID,
		RoutingKey:    string(key),
		Payload:       env,
		Status:        domain.OutboxPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}
