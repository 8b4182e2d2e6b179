// Package chatgate decides whether real-time chat is permitted on a ticket.
package chatgate

import "github.com/spec-kit/ticket-lifecycle/internal/domain"

// Reasons returned with a Decision.
const (
	ReasonAllowed        = "allowed"
	ReasonNoTicket       = "ticket not found"
	ReasonInactiveState  = "chat is only available while the ticket is in progress or waiting"
	ReasonNotParticipant = "user is not a participant of this ticket"
)

// Decision is the outcome of the gate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Allowed permits chat only when the ticket is in_progress or waiting and userID
// is the creator, the assigned agent or the tutor. It never mutates the ticket.
func Allowed(t *domain.Ticket, userID string) Decision {
	if t == nil {
		return Decision{Reason: ReasonNoTicket}
	}
	if t.State != domain.StateInProgress && t.State != domain.StateWaiting {
		return Decision{Reason: ReasonInactiveState}
	}
	if !t.IsParticipant(userID) {
		return Decision{Reason: ReasonNotParticipant}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}
