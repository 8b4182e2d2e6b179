package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

func TestCreateTicket(t *testing.T) {
	f := newFixture(t)
	ticket, err := f.lifecycle.Create(context.Background(), customer, CreateTicketInput{
		Title:       "  Mail bounces ",
		Description: "since this morning",
		Priority:    "HIGH",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.State != domain.StateOpen || ticket.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if ticket.Title != "Mail bounces" || ticket.TenantID != tenant || ticket.CreatorID != customer.ID {
		t.Fatalf("unexpected ticket fields %+v", ticket)
	}
	if ticket.Version != 1 {
		t.Fatalf("expected version 1, got %d", ticket.Version)
	}

	entries := f.audit(t, ticket.ID)
	if len(entries) != 1 || entries[0].Type != domain.AuditCreation {
		t.Fatalf("expected one creation entry, got %+v", entries)
	}
	if c, ok := entries[0].ChangeFor("state"); !ok || c.Before != nil || c.After != "open" {
		t.Fatalf("creation entry should record state, got %+v", entries[0].Changes)
	}

	evs := f.events(ticket.ID)
	if len(evs) != 1 || evs[0].RoutingKey != string(events.TicketCreated) {
		t.Fatalf("expected one ticket.created event, got %+v", evs)
	}
	body := decodePayload(t, evs[0])
	if body["tenantId"] != tenant || body["priority"] != "high" {
		t.Fatalf("unexpected payload %+v", body)
	}
	if f.notifier.n != 1 {
		t.Fatalf("expected relay to be notified once, got %d", f.notifier.n)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	cases := []struct {
		name  string
		actor domain.Actor
		in    CreateTicketInput
		code  string
	}{
		{"blank title", customer, CreateTicketInput{Title: "   "}, apperrors.CodeValidation},
		{"unknown priority", customer, CreateTicketInput{Title: "x", Priority: "urgent"}, apperrors.CodeValidation},
		{"no tenant", domain.Actor{ID: "u", Role: domain.RoleCustomer}, CreateTicketInput{Title: "x"}, apperrors.CodeValidation},
		{"service caller", classifier, CreateTicketInput{Title: "x"}, apperrors.CodeNotAuthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.lifecycle.Create(context.Background(), tc.actor, tc.in)
			expectCode(t, err, tc.code)
			if len(f.store.Outbox()) != 0 {
				t.Fatalf("rejected create must not emit events")
			}
		})
	}
}

func TestChangeStatusFollowsTransitionGraph(t *testing.T) {
	states := []domain.TicketState{
		domain.StateOpen, domain.StateInProgress, domain.StateWaiting, domain.StateResolved, domain.StateClosed,
	}
	edges := map[[2]domain.TicketState]bool{
		{domain.StateOpen, domain.StateInProgress}:     true,
		{domain.StateInProgress, domain.StateResolved}: true,
		{domain.StateInProgress, domain.StateWaiting}:  true,
		{domain.StateWaiting, domain.StateInProgress}:  true,
		{domain.StateResolved, domain.StateClosed}:     true,
		{domain.StateResolved, domain.StateInProgress}: true,
	}

	for _, from := range states {
		for _, to := range states {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newFixture(t)
				seeded := f.seed(t, from, nil)

				got, err := f.lifecycle.ChangeStatus(context.Background(), agentA, seeded.ID, string(to), strPtr("customer asked for time"))
				if !edges[[2]domain.TicketState{from, to}] {
					expectCode(t, err, apperrors.CodeInvalidTransition)
					stored := f.reload(t, seeded.ID)
					if stored.State != from || stored.Version != 1 {
						t.Fatalf("rejected transition changed the ticket: %+v", stored)
					}
					if len(f.audit(t, seeded.ID)) != 0 || len(f.events(seeded.ID)) != 0 {
						t.Fatalf("rejected transition left audit or events behind")
					}
					return
				}
				if err != nil {
					t.Fatalf("expected transition to succeed: %v", err)
				}
				if got.State != to || got.Version != 2 {
					t.Fatalf("unexpected result %+v", got)
				}

				entries := f.audit(t, seeded.ID)
				if len(entries) != 1 || entries[0].Type != domain.AuditStatusChange {
					t.Fatalf("expected one status_change entry, got %+v", entries)
				}
				c, ok := entries[0].ChangeFor("state")
				if !ok || c.Before != string(from) || c.After != string(to) {
					t.Fatalf("audit state delta wrong: %+v", entries[0].Changes)
				}

				evs := f.events(seeded.ID)
				if len(evs) != 1 || evs[0].RoutingKey != string(events.TicketStatusChanged) {
					t.Fatalf("expected one ticket.status_changed event, got %+v", evs)
				}
				body := decodePayload(t, evs[0])
				if body["newState"] != string(to) || body["previousState"] != string(from) || body["actorId"] != agentA.ID {
					t.Fatalf("unexpected payload %+v", body)
				}
			})
		}
	}
}

func TestChangeStatusNormalizesInput(t *testing.T) {
	f := newFixture(t)
	ticket := f.seed(t, domain.StateOpen, nil)
	got, err := f.lifecycle.ChangeStatus(context.Background(), agentA, ticket.ID, "In-Progress", nil)
	if err != nil {
		t.Fatalf("change status: %v", err)
	}
	if got.State != domain.StateInProgress {
		t.Fatalf("expected in_progress, got %s", got.State)
	}
}

func TestChangeStatusAuthorization(t *testing.T) {
	cases := []struct {
		name  string
		actor domain.Actor
		state string
		code  string
	}{
		{"anonymous", domain.Actor{}, "in_progress", apperrors.CodeUnauthenticated},
		{"customer", customer, "in_progress", apperrors.CodeNotAuthorized},
		{"general admin", generalBoss, "in_progress", apperrors.CodeNotAuthorized},
		{"service", classifier, "in_progress", apperrors.CodeNotAuthorized},
		{"unknown state", agentA, "reopened", apperrors.CodeValidation},
		{"support of another tenant", betaAgent, "in_progress", apperrors.CodeNotAuthorized},
		{"on hold without reason", agentA, "waiting", apperrors.CodeValidation},
		{"junior support", trainee, "in_progress", ""},
		{"internal admin", admin, "in_progress", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			from := domain.StateOpen
			if tc.state == "waiting" {
				from = domain.StateInProgress
			}
			ticket := f.seed(t, from, nil)
			_, err := f.lifecycle.ChangeStatus(context.Background(), tc.actor, ticket.ID, tc.state, nil)
			if tc.code == "" {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			expectCode(t, err, tc.code)
			if f.reload(t, ticket.ID).Version != 1 {
				t.Fatalf("rejected call must not write")
			}
		})
	}
}

func TestChangeStatusRecordsComment(t *testing.T) {
	f := newFixture(t)
	ticket := f.seed(t, domain.StateInProgress, strPtr(agentA.ID))
	if _, err := f.lifecycle.ChangeStatus(context.Background(), agentA, ticket.ID, "waiting", strPtr("  need logs  ")); err != nil {
		t.Fatalf("change status: %v", err)
	}
	entries := f.audit(t, ticket.ID)
	if entries[0].Comment == nil || *entries[0].Comment != "need logs" {
		t.Fatalf("expected trimmed comment, got %+v", entries[0].Comment)
	}
}

func TestTicketNotFoundAndMalformedID(t *testing.T) {
	f := newFixture(t)
	_, err := f.lifecycle.ChangeStatus(context.Background(), agentA, uuid.NewString(), "in_progress", nil)
	expectCode(t, err, apperrors.CodeNotFound)

	_, err = f.lifecycle.ChangeStatus(context.Background(), agentA, "not-a-uuid", "in_progress", nil)
	expectCode(t, err, apperrors.CodeValidation)

	_, err = f.lifecycle.Get(context.Background(), customer, uuid.NewString())
	expectCode(t, err, apperrors.CodeNotFound)
}

func TestDerivedTimestampsAreSetOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t)

	f.clock.Advance(10 * time.Minute)
	firstResponse := f.clock.Now()
	if _, err := f.lifecycle.Assign(ctx, admin, ticket.ID, "agent-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "waiting", strPtr("awaiting customer logs")); err != nil {
		t.Fatalf("waiting: %v", err)
	}
	f.clock.Advance(45 * time.Minute)
	if _, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "in_progress", nil); err != nil {
		t.Fatalf("back to in_progress: %v", err)
	}
	f.clock.Advance(time.Hour)
	resolvedAt := f.clock.Now()
	if _, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "resolved", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "in_progress", nil); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	f.clock.Advance(time.Hour)
	got, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "resolved", nil)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}

	if got.FirstResponseAt == nil || !got.FirstResponseAt.Equal(firstResponse) {
		t.Fatalf("firstResponseAt moved: %v", got.FirstResponseAt)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("resolvedAt moved: %v", got.ResolvedAt)
	}
	if got.WaitingMinutes != 45 || got.WaitingSince != nil {
		t.Fatalf("expected 45 waiting minutes, got %d (since %v)", got.WaitingMinutes, got.WaitingSince)
	}
	if got.Version != 7 {
		t.Fatalf("expected version 7 after six mutations, got %d", got.Version)
	}
	if n := len(f.audit(t, ticket.ID)); n != 7 {
		t.Fatalf("expected one audit entry per operation (7), got %d", n)
	}
}

func TestAssignOpenTicket(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t)
	f.clock.Advance(5 * time.Minute)

	got, err := f.lifecycle.Assign(context.Background(), admin, ticket.ID, "agent-a")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.State != domain.StateInProgress || got.AssignedAgentID == nil || *got.AssignedAgentID != "agent-a" {
		t.Fatalf("unexpected ticket %+v", got)
	}
	if got.FirstResponseAt == nil || !got.FirstResponseAt.Equal(f.clock.Now()) {
		t.Fatalf("firstResponseAt not set: %v", got.FirstResponseAt)
	}

	var assignments []domain.AuditEntry
	for _, e := range f.audit(t, ticket.ID) {
		if e.Type == domain.AuditAssignment {
			assignments = append(assignments, e)
		}
	}
	if len(assignments) != 1 {
		t.Fatalf("expected one assignment entry, got %d", len(assignments))
	}
	entry := assignments[0]
	if entry.ActorID != admin.ID || entry.ActorName != admin.Name {
		t.Fatalf("audit actor not recorded: %+v", entry)
	}
	if c, ok := entry.ChangeFor("assignedAgent"); !ok || c.Before != nil || c.After != "agent-a" {
		t.Fatalf("assignedAgent delta wrong: %+v", entry.Changes)
	}
	if c, ok := entry.ChangeFor("state"); !ok || c.Before != "open" || c.After != "in_progress" {
		t.Fatalf("state delta wrong: %+v", entry.Changes)
	}

	var assigned []domain.OutboxEvent
	for _, ev := range f.events(ticket.ID) {
		if ev.RoutingKey == string(events.TicketAssigned) {
			assigned = append(assigned, ev)
		}
	}
	if len(assigned) != 1 {
		t.Fatalf("expected one ticket.assigned event, got %d", len(assigned))
	}
	body := decodePayload(t, assigned[0])
	if body["agentId"] != "agent-a" || body["agentName"] != "Andres" || body["newState"] != "in_progress" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestReassignKeepsStateAndFirstResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t)
	first, err := f.lifecycle.Assign(ctx, admin, ticket.ID, "agent-a")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "waiting", strPtr("awaiting customer logs")); err != nil {
		t.Fatalf("waiting: %v", err)
	}

	got, err := f.lifecycle.Assign(ctx, admin, ticket.ID, "agent-b")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Fatalf("reassignment must not change state, got %s", got.State)
	}
	if !got.FirstResponseAt.Equal(*first.FirstResponseAt) {
		t.Fatalf("firstResponseAt must not be reset")
	}
}

func TestAssignRejections(t *testing.T) {
	cases := []struct {
		name    string
		actor   domain.Actor
		agentID string
		dirErr  error
		code    string
	}{
		{"support cannot assign", agentA, "agent-b", nil, apperrors.CodeNotAuthorized},
		{"service uses autoAssign", classifier, "agent-b", nil, apperrors.CodeNotAuthorized},
		{"blank agent", admin, " ", nil, apperrors.CodeValidation},
		{"other tenant", admin, "outsider", nil, apperrors.CodeAssignmentRejected},
		{"customer candidate", admin, "cust-2", nil, apperrors.CodeAssignmentRejected},
		{"unknown candidate", admin, "ghost", nil, apperrors.CodeAssignmentRejected},
		{"directory down", admin, "agent-a", errors.New("dial tcp 10.0.0.7:80: connection refused"), apperrors.CodeUpstreamUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ticket := f.create(t)
			f.dir.err = tc.dirErr

			_, err := f.lifecycle.Assign(context.Background(), tc.actor, ticket.ID, tc.agentID)
			expectCode(t, err, tc.code)

			stored := f.reload(t, ticket.ID)
			if stored.State != domain.StateOpen || stored.AssignedAgentID != nil || stored.Version != 1 {
				t.Fatalf("rejected assignment changed the ticket: %+v", stored)
			}
			if len(f.events(ticket.ID)) != 1 {
				t.Fatalf("rejected assignment emitted events")
			}
		})
	}
}

func TestAssignClosedTicketRejected(t *testing.T) {
	f := newFixture(t)
	ticket := f.seed(t, domain.StateClosed, nil)
	_, err := f.lifecycle.Assign(context.Background(), admin, ticket.ID, "agent-a")
	expectCode(t, err, apperrors.CodeValidation)
	if f.dir.calls != 0 {
		t.Fatalf("directory must not be consulted for closed tickets")
	}
}

func TestAutoAssign(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t)

	_, err := f.lifecycle.AutoAssign(context.Background(), admin, ticket.ID, "agent-a")
	expectCode(t, err, apperrors.CodeNotAuthorized)

	got, err := f.lifecycle.AutoAssign(context.Background(), classifier, ticket.ID, "agent-a")
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if got.State != domain.StateInProgress {
		t.Fatalf("expected in_progress, got %s", got.State)
	}
	evs := f.events(ticket.ID)
	last := evs[len(evs)-1]
	if last.RoutingKey != string(events.TicketAutoAssigned) {
		t.Fatalf("expected ticket.auto_assigned, got %s", last.RoutingKey)
	}
	entries := f.audit(t, ticket.ID)
	if entries[0].Type != domain.AuditAssignment || entries[0].ActorID != classifier.ID {
		t.Fatalf("unexpected audit entry %+v", entries[0])
	}
}

func TestDelegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.seed(t, domain.StateInProgress, strPtr(agentA.ID))

	got, err := f.lifecycle.Delegate(ctx, agentA, ticket.ID, "trainee-1")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if got.State != domain.StateInProgress {
		t.Fatalf("delegation must not change state, got %s", got.State)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != "trainee-1" {
		t.Fatalf("trainee not assigned: %v", got.AssignedAgentID)
	}
	if got.TutorID == nil || *got.TutorID != agentA.ID {
		t.Fatalf("tutor not recorded: %v", got.TutorID)
	}

	entries := f.audit(t, ticket.ID)
	if len(entries) != 1 || entries[0].Type != domain.AuditDelegation {
		t.Fatalf("expected one delegation entry, got %+v", entries)
	}
	if _, ok := entries[0].ChangeFor("state"); ok {
		t.Fatalf("delegation entry must not record a state change")
	}
	evs := f.events(ticket.ID)
	if len(evs) != 1 || evs[0].RoutingKey != string(events.TicketDelegated) {
		t.Fatalf("expected one ticket.delegated event, got %+v", evs)
	}
	body := decodePayload(t, evs[0])
	if body["traineeId"] != "trainee-1" || body["tutorId"] != agentA.ID || body["traineeName"] != "Tina" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestDelegateRejections(t *testing.T) {
	cases := []struct {
		name     string
		actor    domain.Actor
		assignee *string
		state    domain.TicketState
		trainee  string
		code     string
	}{
		{"not assigned to caller", agentA, strPtr("agent-b"), domain.StateInProgress, "trainee-1", apperrors.CodeNotAuthorized},
		{"unassigned ticket", agentA, nil, domain.StateOpen, "trainee-1", apperrors.CodeNotAuthorized},
		{"junior cannot delegate", trainee, strPtr(trainee.ID), domain.StateInProgress, "trainee-1", apperrors.CodeNotAuthorized},
		{"admin cannot delegate", admin, strPtr(admin.ID), domain.StateInProgress, "trainee-1", apperrors.CodeNotAuthorized},
		{"trainee must be junior", agentA, strPtr(agentA.ID), domain.StateInProgress, "agent-b", apperrors.CodeAssignmentRejected},
		{"trainee in other tenant", agentA, strPtr(agentA.ID), domain.StateInProgress, "beta-junior", apperrors.CodeAssignmentRejected},
		{"self delegation", agentA, strPtr(agentA.ID), domain.StateInProgress, agentA.ID, apperrors.CodeValidation},
		{"closed ticket", agentA, strPtr(agentA.ID), domain.StateClosed, "trainee-1", apperrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ticket := f.seed(t, tc.state, tc.assignee)
			_, err := f.lifecycle.Delegate(context.Background(), tc.actor, ticket.ID, tc.trainee)
			expectCode(t, err, tc.code)
			stored := f.reload(t, ticket.ID)
			if stored.Version != 1 || stored.TutorID != nil {
				t.Fatalf("rejected delegation changed the ticket: %+v", stored)
			}
		})
	}
}

func TestClassifyDerivesDeadlinesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t)
	classifiedAt := f.clock.Now()

	got, err := f.lifecycle.Classify(ctx, classifier, ticket.ID, ClassifyInput{
		Type:                 strPtr("incident"),
		Category:             strPtr("network"),
		Priority:             strPtr("CRITICAL"),
		ResponseSLAMinutes:   intPtr(240),
		ResolutionSLAMinutes: intPtr(1440),
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Priority != domain.PriorityCritical || *got.Type != "incident" || *got.Category != "network" {
		t.Fatalf("classification not applied: %+v", got)
	}
	if !got.ClassifiedAt.Equal(classifiedAt) {
		t.Fatalf("classifiedAt = %v", got.ClassifiedAt)
	}
	if want := classifiedAt.Add(4 * time.Hour); !got.ResponseDeadline.Equal(want) {
		t.Fatalf("response deadline = %v, want %v", got.ResponseDeadline, want)
	}
	if want := classifiedAt.Add(24 * time.Hour); !got.ResolutionDeadline.Equal(want) {
		t.Fatalf("resolution deadline = %v, want %v", got.ResolutionDeadline, want)
	}

	f.clock.Advance(time.Hour)
	again, err := f.lifecycle.Classify(ctx, classifier, ticket.ID, ClassifyInput{
		Priority:           strPtr("low"),
		ResponseSLAMinutes: intPtr(60),
	})
	if err != nil {
		t.Fatalf("reclassify: %v", err)
	}
	if again.Priority != domain.PriorityLow {
		t.Fatalf("priority should be overwritten, got %s", again.Priority)
	}
	if *again.ResponseSLAMinutes != 240 || !again.ResponseDeadline.Equal(*got.ResponseDeadline) {
		t.Fatalf("deadline must not be recomputed: %v", again.ResponseDeadline)
	}
	if !again.ClassifiedAt.Equal(classifiedAt) {
		t.Fatalf("classifiedAt must not move")
	}

	entries := f.audit(t, ticket.ID)
	if entries[0].Type != domain.AuditClassification || len(entries[0].Changes) != 1 {
		t.Fatalf("second classification should only record the priority change: %+v", entries[0].Changes)
	}
	classified := 0
	for _, ev := range f.events(ticket.ID) {
		if ev.RoutingKey == string(events.TicketClassified) {
			classified++
		}
	}
	if classified != 2 {
		t.Fatalf("expected two ticket.classified events, got %d", classified)
	}
}

func TestClassifyValidation(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t)
	ctx := context.Background()

	_, err := f.lifecycle.Classify(ctx, admin, ticket.ID, ClassifyInput{Type: strPtr("incident")})
	expectCode(t, err, apperrors.CodeNotAuthorized)

	_, err = f.lifecycle.Classify(ctx, classifier, ticket.ID, ClassifyInput{ResponseSLAMinutes: intPtr(0)})
	expectCode(t, err, apperrors.CodeValidation)

	_, err = f.lifecycle.Classify(ctx, classifier, ticket.ID, ClassifyInput{Priority: strPtr("someday")})
	expectCode(t, err, apperrors.CodeValidation)

	if f.reload(t, ticket.ID).ClassifiedAt != nil {
		t.Fatalf("rejected classification must not write")
	}
}

func TestChangePriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t)

	got, err := f.lifecycle.ChangePriority(ctx, agentA, ticket.ID, "High")
	if err != nil {
		t.Fatalf("change priority: %v", err)
	}
	if got.Priority != domain.PriorityHigh {
		t.Fatalf("expected high, got %s", got.Priority)
	}
	evs := f.events(ticket.ID)
	body := decodePayload(t, evs[len(evs)-1])
	if body["priority"] != "high" || body["previousPriority"] != "medium" {
		t.Fatalf("unexpected payload %+v", body)
	}

	same, err := f.lifecycle.ChangePriority(ctx, agentA, ticket.ID, "high")
	if err != nil {
		t.Fatalf("same priority: %v", err)
	}
	if same.Version != got.Version || len(f.audit(t, ticket.ID)) != 2 {
		t.Fatalf("unchanged priority must not write")
	}

	_, err = f.lifecycle.ChangePriority(ctx, trainee, ticket.ID, "low")
	expectCode(t, err, apperrors.CodeNotAuthorized)
	_, err = f.lifecycle.ChangePriority(ctx, agentA, ticket.ID, "urgent")
	expectCode(t, err, apperrors.CodeValidation)

	_, err = f.lifecycle.ChangePriority(ctx, betaAgent, ticket.ID, "critical")
	expectCode(t, err, apperrors.CodeNotAuthorized)
	if stored := f.reload(t, ticket.ID); stored.Priority != domain.PriorityHigh || stored.Version != got.Version {
		t.Fatalf("cross-tenant change leaked into the store: %+v", stored)
	}

	crossTenant, err := f.lifecycle.ChangePriority(ctx, admin, ticket.ID, "low")
	if err != nil {
		t.Fatalf("internal admin across tenants: %v", err)
	}
	if crossTenant.Priority != domain.PriorityLow {
		t.Fatalf("expected low, got %s", crossTenant.Priority)
	}
}

func TestPutOnHoldRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.seed(t, domain.StateInProgress, strPtr(agentA.ID))

	for _, reason := range []*string{nil, strPtr(""), strPtr("   ")} {
		_, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "waiting", reason)
		expectCode(t, err, apperrors.CodeValidation)
	}
	if stored := f.reload(t, ticket.ID); stored.State != domain.StateInProgress || stored.Version != 1 {
		t.Fatalf("rejected hold changed the ticket: %+v", stored)
	}
	if len(f.audit(t, ticket.ID)) != 0 || len(f.events(ticket.ID)) != 0 {
		t.Fatalf("rejected hold left audit or events behind")
	}

	got, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "waiting", strPtr("waiting for vendor"))
	if err != nil {
		t.Fatalf("hold with reason: %v", err)
	}
	if got.State != domain.StateWaiting || got.WaitingSince == nil {
		t.Fatalf("unexpected ticket %+v", got)
	}
}

func TestCommentAppendsAuditOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t)

	entry, err := f.lifecycle.Comment(ctx, customer, ticket.ID, " still broken ")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if entry.Type != domain.AuditComment || entry.Comment == nil || *entry.Comment != "still broken" || len(entry.Changes) != 0 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if f.reload(t, ticket.ID).Version != 1 {
		t.Fatalf("comment must not bump the ticket version")
	}
	if len(f.events(ticket.ID)) != 1 {
		t.Fatalf("comment must not emit events")
	}

	stranger := domain.Actor{ID: "cust-9", Role: domain.RoleCustomer, TenantID: tenant}
	_, err = f.lifecycle.Comment(ctx, stranger, ticket.ID, "hello")
	expectCode(t, err, apperrors.CodeNotAuthorized)
	_, err = f.lifecycle.Comment(ctx, customer, ticket.ID, "  ")
	expectCode(t, err, apperrors.CodeValidation)
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t)
	cases := []struct {
		name    string
		actor   domain.Actor
		allowed bool
	}{
		{"creator", customer, true},
		{"other customer", domain.Actor{ID: "cust-9", Role: domain.RoleCustomer, TenantID: tenant}, false},
		{"support same tenant", agentA, true},
		{"support other tenant", domain.Actor{ID: "s-9", Role: domain.RoleSupport, TenantID: "beta"}, false},
		{"internal admin other tenant", admin, true},
		{"general admin", generalBoss, true},
		{"service", classifier, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.lifecycle.Get(context.Background(), tc.actor, ticket.ID)
			if tc.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tc.allowed {
				expectCode(t, err, apperrors.CodeNotAuthorized)
			}
		})
	}
}

// staleStore serves a fixed snapshot to simulate a reader that lost a race.
type staleStore struct {
	*repository.MemoryStore
	snapshot *domain.Ticket
}

func (s *staleStore) GetByID(context.Context, string) (*domain.Ticket, error) {
	return s.snapshot.Clone(), nil
}

func TestConcurrentModificationIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t)
	snapshot := f.reload(t, ticket.ID)

	if _, err := f.lifecycle.ChangePriority(ctx, agentA, ticket.ID, "high"); err != nil {
		t.Fatalf("winner: %v", err)
	}

	loser := NewLifecycleService(LifecycleDependencies{
		Store:     &staleStore{MemoryStore: f.store, snapshot: snapshot},
		Directory: f.dir,
		Clock:     f.clock.Now,
	})
	_, err := loser.Assign(ctx, admin, ticket.ID, "agent-a")
	expectCode(t, err, apperrors.CodeConcurrentModification)

	stored := f.reload(t, ticket.ID)
	if stored.Version != 2 || stored.AssignedAgentID != nil || stored.Priority != domain.PriorityHigh {
		t.Fatalf("losing write leaked into the store: %+v", stored)
	}
	if len(f.audit(t, ticket.ID)) != 2 || len(f.events(ticket.ID)) != 2 {
		t.Fatalf("losing write left audit or events behind")
	}
}
