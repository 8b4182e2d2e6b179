package domain

import (
	"fmt"
	"strings"
	"time"
)

// TicketState enumerates lifecycle states for tickets.
type TicketState string

const (
	StateOpen       TicketState = "open"
	StateInProgress TicketState = "in_progress"
	StateWaiting    TicketState = "waiting"
	StateResolved   TicketState = "resolved"
	StateClosed     TicketState = "closed"
)

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	PriorityLow      TicketPriority = "low"
	PriorityMedium   TicketPriority = "medium"
	PriorityHigh     TicketPriority = "high"
	PriorityCritical TicketPriority = "critical"
)

var (
	knownStates     = []TicketState{StateOpen, StateInProgress, StateWaiting, StateResolved, StateClosed}
	knownPriorities = []TicketPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
)

// ParseState normalizes raw input ("In-Progress", "IN_PROGRESS", "in progress") into a TicketState.
func ParseState(raw string) (TicketState, error) {
	norm := normalizeToken(raw)
	for _, s := range knownStates {
		if string(s) == norm {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown ticket state %q", raw)
}

// ParsePriority normalizes raw input into a TicketPriority.
func ParsePriority(raw string) (TicketPriority, error) {
	norm := normalizeToken(raw)
	for _, p := range knownPriorities {
		if string(p) == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown ticket priority %q", raw)
}

// Valid reports whether s is one of the canonical states.
func (s TicketState) Valid() bool {
	for _, known := range knownStates {
		if s == known {
			return true
		}
	}
	return false
}

// Valid reports whether p is one of the canonical priorities.
func (p TicketPriority) Valid() bool {
	for _, known := range knownPriorities {
		if p == known {
			return true
		}
	}
	return false
}

func normalizeToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID          string
	TenantID    string
	Title       string
	Description string
	ServiceType *string

	CreatorID       string
	AssignedAgentID *string
	TutorID         *string

	State    TicketState
	Priority TicketPriority

	Type                 *string
	Category             *string
	ResponseSLAMinutes   *int
	ResolutionSLAMinutes *int
	ClassifiedAt         *time.Time

	FirstResponseAt    *time.Time
	ResolvedAt         *time.Time
	ResponseDeadline   *time.Time
	ResolutionDeadline *time.Time

	WaitingSince   *time.Time
	WaitingMinutes int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can diff before/after snapshots.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.ServiceType = cloneString(t.ServiceType)
	c.AssignedAgentID = cloneString(t.AssignedAgentID)
	c.TutorID = cloneString(t.TutorID)
	c.Type = cloneString(t.Type)
	c.Category = cloneString(t.Category)
	c.ResponseSLAMinutes = cloneInt(t.ResponseSLAMinutes)
	c.ResolutionSLAMinutes = cloneInt(t.ResolutionSLAMinutes)
	c.ClassifiedAt = cloneTime(t.ClassifiedAt)
	c.FirstResponseAt = cloneTime(t.FirstResponseAt)
	c.ResolvedAt = cloneTime(t.ResolvedAt)
	c.ResponseDeadline = cloneTime(t.ResponseDeadline)
	c.ResolutionDeadline = cloneTime(t.ResolutionDeadline)
	c.WaitingSince = cloneTime(t.WaitingSince)
	return &c
}

// IsParticipant reports whether userID is the creator, the assigned agent or the tutor.
func (t *Ticket) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if t.CreatorID == userID {
		return true
	}
	if t.AssignedAgentID != nil && *t.AssignedAgentID == userID {
		return true
	}
	return t.TutorID != nil && *t.TutorID == userID
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
