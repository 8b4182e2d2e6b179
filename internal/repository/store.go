package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

var (
	// ErrNotFound is returned when the ticket addressed by a read or mutation does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConcurrentModification is returned when a conditional write observes a newer version.
	ErrConcurrentModification = errors.New("repository: concurrent modification")
)

// Mutation is the unit of work committed atomically: the ticket write (if any),
// its audit entry and the events to relay.
type Mutation struct {
	// Ticket is the desired post-state. Nil for audit-only mutations such as comments.
	Ticket *domain.Ticket
	// Create inserts Ticket instead of updating it.
	Create bool
	// ExpectedVersion guards updates; the write fails with ErrConcurrentModification
	// when the stored version differs.
	ExpectedVersion int64
	Audit           *domain.AuditEntry
	Events          []domain.OutboxEvent
}

func (m Mutation) validate() error {
	if m.Ticket == nil {
		return nil
	}
	if !m.Ticket.State.Valid() {
		return fmt.Errorf("ticket %s: invalid state %q", m.Ticket.ID, m.Ticket.State)
	}
	if !m.Ticket.Priority.Valid() {
		return fmt.Errorf("ticket %s: invalid priority %q", m.Ticket.ID, m.Ticket.Priority)
	}
	return nil
}

// TicketStore holds one mutable record per ticket.
type TicketStore interface {
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// Apply commits m in a single transaction. On success m.Ticket.Version carries
	// the stored version.
	Apply(ctx context.Context, m Mutation) error
}

// AuditQuery filters the audit read surface. Zero values mean "any".
type AuditQuery struct {
	TicketID string
	Type     domain.AuditType
	ActorID  string
	Limit    int
	Offset   int
}

// AuditRepository is the append-only audit log read side. Entries are written
// only through TicketStore.Apply.
type AuditRepository interface {
	List(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error)
}

// OutboxRepository exposes the relay side of the outbox table.
type OutboxRepository interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, errMsg string) error
	// Release returns a claimed event to pending without counting a failure.
	Release(ctx context.Context, id string) error
	RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error)
	LagSeconds(ctx context.Context) (float64, error)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
