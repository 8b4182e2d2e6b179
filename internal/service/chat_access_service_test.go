package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-lifecycle/internal/chatgate"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

type mapCache struct {
	mu      sync.Mutex
	items   map[string]*domain.Ticket
	hits    int
	readErr error
}

func newMapCache() *mapCache {
	return &mapCache{items: make(map[string]*domain.Ticket)}
}

func (c *mapCache) Get(_ context.Context, id string) (*domain.Ticket, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, false, c.readErr
	}
	t, ok := c.items[id]
	if ok {
		c.hits++
		return t.Clone(), true, nil
	}
	return nil, false, nil
}

func (c *mapCache) Set(_ context.Context, t *domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[t.ID]; ok && cur.Version >= t.Version {
		return nil
	}
	c.items[t.ID] = t.Clone()
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

func TestChatAccessFollowsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache := newMapCache()
	f.lifecycle = NewLifecycleService(LifecycleDependencies{
		Store:     f.store,
		Directory: f.dir,
		Cache:     cache,
		Clock:     f.clock.Now,
	})
	chat := NewChatAccessService(f.store, cache, nil)
	ticket := f.create(t)

	check := func(userID string) chatgate.Decision {
		t.Helper()
		d, err := chat.Check(ctx, ticket.ID, userID)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		return d
	}

	if d := check(customer.ID); d.Allowed || d.Reason != chatgate.ReasonInactiveState {
		t.Fatalf("open ticket must not allow chat: %+v", d)
	}
	if _, err := f.lifecycle.Assign(ctx, admin, ticket.ID, "agent-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if d := check(customer.ID); !d.Allowed {
		t.Fatalf("stale cache entry survived assignment: %+v", d)
	}
	if d := check("agent-a"); !d.Allowed {
		t.Fatalf("assignee should chat: %+v", d)
	}
	if cache.hits == 0 {
		t.Fatalf("expected repeated checks to be served from cache")
	}
	if d := check("agent-b"); d.Allowed || d.Reason != chatgate.ReasonNotParticipant {
		t.Fatalf("non participant allowed: %+v", d)
	}

	if _, err := f.lifecycle.Delegate(ctx, agentA, ticket.ID, "trainee-1"); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	for _, user := range []string{customer.ID, "agent-a", "trainee-1"} {
		if d := check(user); !d.Allowed {
			t.Fatalf("%s should chat after delegation: %+v", user, d)
		}
	}

	if _, err := f.lifecycle.ChangeStatus(ctx, trainee, ticket.ID, "resolved", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d := check(customer.ID); d.Allowed {
		t.Fatalf("resolved ticket must close chat: %+v", d)
	}
}

// racingStore runs hook once, right after a read and before the caller sees it.
type racingStore struct {
	*repository.MemoryStore
	hook func()
}

func (s *racingStore) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := s.MemoryStore.GetByID(ctx, id)
	if hook := s.hook; hook != nil {
		s.hook = nil
		hook()
	}
	return ticket, err
}

func TestChatAccessCacheIgnoresSnapshotOlderThanCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache := newMapCache()
	f.lifecycle = NewLifecycleService(LifecycleDependencies{
		Store:     f.store,
		Directory: f.dir,
		Cache:     cache,
		Clock:     f.clock.Now,
	})
	ticket := f.seed(t, domain.StateInProgress, strPtr("agent-a"))

	store := &racingStore{MemoryStore: f.store}
	store.hook = func() {
		if _, err := f.lifecycle.ChangeStatus(ctx, agentA, ticket.ID, "resolved", nil); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	chat := NewChatAccessService(store, cache, nil)

	if _, err := chat.Check(ctx, ticket.ID, customer.ID); err != nil {
		t.Fatalf("first check: %v", err)
	}
	d, err := chat.Check(ctx, ticket.ID, customer.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if d.Allowed || d.Reason != chatgate.ReasonInactiveState {
		t.Fatalf("resolved ticket still open for chat: %+v", d)
	}
	if cache.hits != 1 {
		t.Fatalf("expected second check served from cache, hits=%d", cache.hits)
	}
}

func TestChatAccessErrors(t *testing.T) {
	f := newFixture(t)
	cache := newMapCache()
	cache.readErr = errors.New("redis: connection refused")
	chat := NewChatAccessService(f.store, cache, nil)
	ctx := context.Background()

	_, err := chat.Check(ctx, "abc", customer.ID)
	expectCode(t, err, apperrors.CodeValidation)
	_, err = chat.Check(ctx, uuid.NewString(), "")
	expectCode(t, err, apperrors.CodeValidation)
	_, err = chat.Check(ctx, uuid.NewString(), customer.ID)
	expectCode(t, err, apperrors.CodeNotFound)

	ticket := f.seed(t, domain.StateWaiting, strPtr("agent-a"))
	d, err := chat.Check(ctx, ticket.ID, customer.ID)
	if err != nil {
		t.Fatalf("cache failures must fall through to the store: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("creator should chat on a waiting ticket: %+v", d)
	}
}
