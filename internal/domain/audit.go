package domain

import (
	"fmt"
	"strings"
	"time"
)

// AuditType captures what kind of operation produced a history entry.
type AuditType string

const (
	AuditCreation       AuditType = "creation"
	AuditStatusChange   AuditType = "status_change"
	AuditAssignment     AuditType = "assignment"
	AuditPriorityChange AuditType = "priority_change"
	AuditComment        AuditType = "comment"
	AuditDelegation     AuditType = "delegation"
	AuditClassification AuditType = "classification"
)

var knownAuditTypes = []AuditType{
	AuditCreation, AuditStatusChange, AuditAssignment, AuditPriorityChange,
	AuditComment, AuditDelegation, AuditClassification,
}

// ParseAuditType normalizes raw query input.
func ParseAuditType(raw string) (AuditType, error) {
	norm := normalizeToken(raw)
	for _, t := range knownAuditTypes {
		if string(t) == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown audit type %q", raw)
}

// FieldChange is one before/after pair inside an audit entry.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// AuditEntry is an immutable audit trail entry.
type AuditEntry struct {
	ID         string
	TicketID   string
	Type       AuditType
	ActorID    string
	ActorName  string
	ActorEmail string
	Changes    []FieldChange
	Comment    *string
	CreatedAt  time.Time
}

// Diff returns the field-level delta between before and after. A nil before
// yields every populated field of after, which is what creation entries record.
func Diff(before, after *Ticket) []FieldChange {
	if after == nil {
		return nil
	}
	if before == nil {
		before = &Ticket{}
	}
	changes := []FieldChange{}
	add := func(field string, b, a any) {
		if b == a {
			return
		}
		changes = append(changes, FieldChange{Field: field, Before: b, After: a})
	}

	add("title", nilIfEmpty(before.Title), nilIfEmpty(after.Title))
	add("state", nilIfEmpty(string(before.State)), nilIfEmpty(string(after.State)))
	add("priority", nilIfEmpty(string(before.Priority)), nilIfEmpty(string(after.Priority)))
	add("assignedAgent", strValue(before.AssignedAgentID), strValue(after.AssignedAgentID))
	add("tutor", strValue(before.TutorID), strValue(after.TutorID))
	add("type", strValue(before.Type), strValue(after.Type))
	add("category", strValue(before.Category), strValue(after.Category))
	add("responseSlaMinutes", intValue(before.ResponseSLAMinutes), intValue(after.ResponseSLAMinutes))
	add("resolutionSlaMinutes", intValue(before.ResolutionSLAMinutes), intValue(after.ResolutionSLAMinutes))
	add("classifiedAt", timeValue(before.ClassifiedAt), timeValue(after.ClassifiedAt))
	add("responseDeadline", timeValue(before.ResponseDeadline), timeValue(after.ResponseDeadline))
	add("resolutionDeadline", timeValue(before.ResolutionDeadline), timeValue(after.ResolutionDeadline))
	add("firstResponseAt", timeValue(before.FirstResponseAt), timeValue(after.FirstResponseAt))
	add("resolvedAt", timeValue(before.ResolvedAt), timeValue(after.ResolvedAt))
	add("waitingSince", timeValue(before.WaitingSince), timeValue(after.WaitingSince))
	if before.WaitingMinutes != after.WaitingMinutes {
		changes = append(changes, FieldChange{Field: "waitingMinutes", Before: before.WaitingMinutes, After: after.WaitingMinutes})
	}
	return changes
}

// ChangeFor returns the change recorded for field, if any.
func (e *AuditEntry) ChangeFor(field string) (FieldChange, bool) {
	for _, c := range e.Changes {
		if strings.EqualFold(c.Field, field) {
			return c, true
		}
	}
	return FieldChange{}, false
}

func nilIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func strValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func intValue(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeValue(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}
