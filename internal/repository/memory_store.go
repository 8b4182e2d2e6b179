package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// MemoryStore is an in-process implementation of TicketStore, AuditRepository and
// OutboxRepository. It backs tests and runs the API when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	tickets map[string]*domain.Ticket
	audit   []domain.AuditEntry
	outbox  []*domain.OutboxEvent
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		tickets: make(map[string]*domain.Ticket),
	}
}

// SetClock overrides the time source used for outbox scheduling.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Apply(_ context.Context, m Mutation) error {
	if err := m.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Ticket != nil {
		current, exists := s.tickets[m.Ticket.ID]
		switch {
		case m.Create && exists:
			return fmt.Errorf("ticket %s already exists", m.Ticket.ID)
		case m.Create:
			m.Ticket.Version = 1
		case !exists:
			return ErrNotFound
		case current.Version != m.ExpectedVersion:
			return ErrConcurrentModification
		default:
			m.Ticket.Version = m.ExpectedVersion + 1
		}
		s.tickets[m.Ticket.ID] = m.Ticket.Clone()
	} else if m.Audit != nil {
		if _, ok := s.tickets[m.Audit.TicketID]; !ok {
			return ErrNotFound
		}
	}

	if m.Audit != nil {
		entry := *m.Audit
		entry.Changes = append([]domain.FieldChange(nil), m.Audit.Changes...)
		s.audit = append(s.audit, entry)
	}
	for _, ev := range m.Events {
		copied := ev
		copied.Payload = append(json.RawMessage(nil), ev.Payload...)
		copied.Status = domain.OutboxPending
		s.outbox = append(s.outbox, &copied)
	}
	return nil
}

// List returns matching entries newest first.
func (s *MemoryStore) List(_ context.Context, q AuditQuery) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, offset := normalizePage(q.Limit, q.Offset)
	result := []domain.AuditEntry{}
	skipped := 0
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.audit[i]
		if q.TicketID != "" && e.TicketID != q.TicketID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := s.now()
	var out []domain.OutboxEvent
	// aggregates with an earlier event in flight or backing off
	blocked := make(map[string]bool)
	for _, ev := range s.outbox {
		if len(out) >= limit {
			break
		}
		if ev.Status == domain.OutboxSent {
			continue
		}
		if ev.Status == domain.OutboxProcessing || ev.NextAttemptAt.After(now) {
			blocked[ev.AggregateID] = true
			continue
		}
		if blocked[ev.AggregateID] {
			continue
		}
		started := now
		ev.Status = domain.OutboxProcessing
		ev.ProcessingStartedAt = &started
		out = append(out, *ev)
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	return s.update(id, func(ev *domain.OutboxEvent, now time.Time) {
		ev.Status = domain.OutboxSent
		ev.SentAt = &now
		ev.ProcessingStartedAt = nil
		ev.LastError = nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, nextAttemptAt time.Time, errMsg string) error {
	return s.update(id, func(ev *domain.OutboxEvent, _ time.Time) {
		ev.Status = domain.OutboxPending
		ev.ProcessingStartedAt = nil
		ev.Attempts++
		ev.NextAttemptAt = nextAttemptAt
		ev.LastError = &errMsg
	})
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	return s.update(id, func(ev *domain.OutboxEvent, _ time.Time) {
		ev.Status = domain.OutboxPending
		ev.ProcessingStartedAt = nil
	})
}

func (s *MemoryStore) RequeueStuck(_ context.Context, timeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := s.now().Add(-timeout)
	var n int64
	for _, ev := range s.outbox {
		if ev.Status == domain.OutboxProcessing && ev.ProcessingStartedAt != nil && ev.ProcessingStartedAt.Before(threshold) {
			ev.Status = domain.OutboxPending
			ev.ProcessingStartedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LagSeconds(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.outbox {
		if ev.Status == domain.OutboxPending {
			return s.now().Sub(ev.CreatedAt).Seconds(), nil
		}
	}
	return 0, nil
}

// Outbox returns a snapshot of every persisted event, oldest first.
func (s *MemoryStore) Outbox() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(s.outbox))
	for _, ev := range s.outbox {
		out = append(out, *ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) update(id string, fn func(*domain.OutboxEvent, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.outbox {
		if ev.ID == id {
			fn(ev, s.now())
			return nil
		}
	}
	return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
}
