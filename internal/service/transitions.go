package service

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

var allowedTransitions = map[domain.TicketState][]domain.TicketState{
	domain.StateOpen:       {domain.StateInProgress},
	domain.StateInProgress: {domain.StateResolved, domain.StateWaiting},
	domain.StateWaiting:    {domain.StateInProgress},
	domain.StateResolved:   {domain.StateClosed, domain.StateInProgress},
	domain.StateClosed:     {},
}

// CanTransition reports whether next is reachable from current in one step.
func CanTransition(current, next domain.TicketState) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// applyTransition moves t into next and maintains the derived timestamps:
// firstResponseAt and resolvedAt are set once, and time spent waiting is
// accumulated in whole minutes.
func applyTransition(t *domain.Ticket, next domain.TicketState, now time.Time) {
	if t.State == domain.StateWaiting && next != domain.StateWaiting && t.WaitingSince != nil {
		t.WaitingMinutes += int(now.Sub(*t.WaitingSince) / time.Minute)
		t.WaitingSince = nil
	}
	if next == domain.StateWaiting && t.State != domain.StateWaiting {
		since := now
		t.WaitingSince = &since
	}
	if next == domain.StateInProgress && t.FirstResponseAt == nil {
		at := now
		t.FirstResponseAt = &at
	}
	if next == domain.StateResolved && t.ResolvedAt == nil {
		at := now
		t.ResolvedAt = &at
	}
	t.State = next
}
