package chatgate

import (
	"testing"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestAllowedMatrix(t *testing.T) {
	states := []domain.TicketState{
		domain.StateOpen, domain.StateInProgress, domain.StateWaiting, domain.StateResolved, domain.StateClosed,
	}
	callers := []struct {
		name        string
		userID      string
		participant bool
	}{
		{"creator", "creator", true},
		{"assigned agent", "agent", true},
		{"tutor", "tutor", true},
		{"stranger", "stranger", false},
		{"anonymous", "", false},
	}

	for _, state := range states {
		for _, caller := range callers {
			ticket := &domain.Ticket{
				ID:              "t1",
				State:           state,
				CreatorID:       "creator",
				AssignedAgentID: strPtr("agent"),
				TutorID:         strPtr("tutor"),
			}
			before := *ticket
			got := Allowed(ticket, caller.userID)

			want := caller.participant && (state == domain.StateInProgress || state == domain.StateWaiting)
			if got.Allowed != want {
				t.Fatalf("state=%s caller=%s: expected %v, got %v (%s)", state, caller.name, want, got.Allowed, got.Reason)
			}
			if got.Reason == "" {
				t.Fatalf("state=%s caller=%s: empty reason", state, caller.name)
			}
			if ticket.State != before.State || ticket.AssignedAgentID != before.AssignedAgentID {
				t.Fatalf("gate mutated the ticket")
			}
		}
	}
}

func TestAllowedWithoutAssignment(t *testing.T) {
	ticket := &domain.Ticket{ID: "t1", State: domain.StateInProgress, CreatorID: "creator"}
	if d := Allowed(ticket, "agent"); d.Allowed {
		t.Fatalf("unassigned ticket must not admit other users")
	}
	if d := Allowed(ticket, "creator"); !d.Allowed {
		t.Fatalf("creator must be admitted: %s", d.Reason)
	}
	if d := Allowed(nil, "creator"); d.Allowed || d.Reason != ReasonNoTicket {
		t.Fatalf("nil ticket must be rejected: %+v", d)
	}
}
