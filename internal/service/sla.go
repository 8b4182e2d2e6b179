package service

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// applyClassification overwrites type, category and priority when supplied.
// SLA minutes are only filled when absent, and each deadline is derived once
// from classifiedAt, so a second classification never moves a deadline.
func applyClassification(t *domain.Ticket, in ClassifyInput, priority *domain.TicketPriority, now time.Time) {
	if in.Type != nil {
		t.Type = in.Type
	}
	if in.Category != nil {
		t.Category = in.Category
	}
	if priority != nil {
		t.Priority = *priority
	}
	if t.ClassifiedAt == nil {
		at := now
		t.ClassifiedAt = &at
	}
	if t.ResponseSLAMinutes == nil && in.ResponseSLAMinutes != nil {
		minutes := *in.ResponseSLAMinutes
		t.ResponseSLAMinutes = &minutes
	}
	if t.ResolutionSLAMinutes == nil && in.ResolutionSLAMinutes != nil {
		minutes := *in.ResolutionSLAMinutes
		t.ResolutionSLAMinutes = &minutes
	}
	if t.ResponseDeadline == nil && t.ResponseSLAMinutes != nil {
		d := Deadline(*t.ClassifiedAt, *t.ResponseSLAMinutes)
		t.ResponseDeadline = &d
	}
	if t.ResolutionDeadline == nil && t.ResolutionSLAMinutes != nil {
		d := Deadline(*t.ClassifiedAt, *t.ResolutionSLAMinutes)
		t.ResolutionDeadline = &d
	}
}

// Deadline returns from + minutes.
func Deadline(from time.Time, minutes int) time.Time {
	return from.Add(time.Duration(minutes) * time.Minute)
}
