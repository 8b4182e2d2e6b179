package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-lifecycle/internal/directory"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const tenant = "acme"

var (
	customer    = domain.Actor{ID: "cust-1", Name: "Carla", Email: "carla@acme.io", Role: domain.RoleCustomer, TenantID: tenant}
	admin       = domain.Actor{ID: "admin-1", Name: "Ada", Email: "ada@hq.io", Role: domain.RoleInternalAdmin, TenantID: "hq"}
	agentA      = domain.Actor{ID: "agent-a", Name: "Andres", Email: "andres@acme.io", Role: domain.RoleSupport, TenantID: tenant}
	trainee     = domain.Actor{ID: "trainee-1", Name: "Tina", Email: "tina@acme.io", Role: domain.RoleJuniorSupport, TenantID: tenant}
	betaAgent   = domain.Actor{ID: "outsider", Name: "Otto", Email: "otto@beta.io", Role: domain.RoleSupport, TenantID: "beta"}
	generalBoss = domain.Actor{ID: "ga-1", Role: domain.RoleGeneralAdmin, TenantID: tenant}
	classifier  = domain.ServiceActor("classifier-svc")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDirectory struct {
	users map[string]*directory.User
	err   error
	calls int
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string]*directory.User{
		"agent-a":     {ID: "agent-a", Name: "Andres", TenantID: tenant, Role: domain.RoleSupport},
		"agent-b":     {ID: "agent-b", Name: "Berta", TenantID: tenant, Role: domain.RoleSupport},
		"trainee-1":   {ID: "trainee-1", Name: "Tina", TenantID: tenant, Role: domain.RoleJuniorSupport},
		"outsider":    {ID: "outsider", Name: "Otto", TenantID: "beta", Role: domain.RoleSupport},
		"cust-2":      {ID: "cust-2", Name: "Cris", TenantID: tenant, Role: domain.RoleCustomer},
		"beta-junior": {ID: "beta-junior", Name: "Bea", TenantID: "beta", Role: domain.RoleJuniorSupport},
	}}
}

func (d *fakeDirectory) LookupUser(_ context.Context, id string) (*directory.User, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if u, ok := d.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, apperrors.NewAssignmentRejected("user not found in directory", nil)
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

type fixture struct {
	store     *repository.MemoryStore
	dir       *fakeDirectory
	clock     *fakeClock
	notifier  *countingNotifier
	lifecycle *LifecycleService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    repository.NewMemoryStore(),
		dir:      newDirectory(),
		clock:    newClock(),
		notifier: &countingNotifier{},
	}
	f.store.SetClock(f.clock.Now)
	f.lifecycle = NewLifecycleService(LifecycleDependencies{
		Store:     f.store,
		Directory: f.dir,
		Notifier:  f.notifier,
		Clock:     f.clock.Now,
	})
	return f
}

func (f *fixture) create(t *testing.T) *domain.Ticket {
	t.Helper()
	ticket, err := f.lifecycle.Create(context.Background(), customer, CreateTicketInput{Title: "VPN down", Description: "cannot connect"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return ticket
}

// seed stores a ticket in an arbitrary state without going through the state machine.
func (f *fixture) seed(t *testing.T, state domain.TicketState, assignee *string) *domain.Ticket {
	t.Helper()
	now := f.clock.Now()
	ticket := &domain.Ticket{
		ID:              uuid.NewString(),
		TenantID:        tenant,
		Title:           "seeded",
		CreatorID:       customer.ID,
		AssignedAgentID: assignee,
		State:           state,
		Priority:        domain.PriorityMedium,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.store.Apply(context.Background(), repository.Mutation{Ticket: ticket, Create: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return ticket
}

func (f *fixture) audit(t *testing.T, ticketID string) []domain.AuditEntry {
	t.Helper()
	entries, err := f.store.List(context.Background(), repository.AuditQuery{TicketID: ticketID, Limit: 500})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func (f *fixture) events(ticketID string) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, ev := range f.store.Outbox() {
		if ev.AggregateID == ticketID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) reload(t *testing.T, id string) *domain.Ticket {
	t.Helper()
	ticket, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return ticket
}

func decodePayload(t *testing.T, ev domain.OutboxEvent) map[string]any {
	t.Helper()
	var env events.Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if string(env.RoutingKey) != ev.RoutingKey {
		t.Fatalf("envelope routing key %s != %s", env.RoutingKey, ev.RoutingKey)
	}
	var body map[string]any
	if err := json.Unmarshal(env.Ticket, &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return body
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if !apperrors.HasCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
