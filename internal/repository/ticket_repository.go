package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

const ticketColumns = `id, tenant_id, title, description, service_type, creator_id, assigned_agent_id, tutor_id,
               state, priority, type, category, response_sla_minutes, resolution_sla_minutes, classified_at,
               first_response_at, resolved_at, response_deadline, resolution_deadline,
               waiting_since, waiting_minutes, version, created_at, updated_at`

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates the Postgres ticket store.
func NewTicketRepository(pool *pgxpool.Pool) TicketStore {
	return &ticketRepository{pool: pool}
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ticket, err
}

func (r *ticketRepository) Apply(ctx context.Context, m Mutation) error {
	if err := m.validate(); err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.Ticket != nil {
		if m.Create {
			err = insertTicket(ctx, tx, m.Ticket)
		} else {
			err = updateTicket(ctx, tx, m.Ticket, m.ExpectedVersion)
		}
		if err != nil {
			return err
		}
	}
	if m.Audit != nil {
		if err := insertAudit(ctx, tx, m.Audit); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
	}
	for i := range m.Events {
		if err := insertOutbox(ctx, tx, &m.Events[i]); err != nil {
			return fmt.Errorf("enqueue event: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func insertTicket(ctx context.Context, tx pgx.Tx, t *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (id, tenant_id, title, description, service_type, creator_id, assigned_agent_id, tutor_id,
            state, priority, type, category, response_sla_minutes, resolution_sla_minutes, classified_at,
            first_response_at, resolved_at, response_deadline, resolution_deadline, waiting_since, waiting_minutes,
            version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,1,$22,$23)`
	_, err := tx.Exec(ctx, query,
		t.ID, t.TenantID, t.Title, t.Description, t.ServiceType, t.CreatorID, t.AssignedAgentID, t.TutorID,
		string(t.State), string(t.Priority), t.Type, t.Category, t.ResponseSLAMinutes, t.ResolutionSLAMinutes,
		t.ClassifiedAt, t.FirstResponseAt, t.ResolvedAt, t.ResponseDeadline, t.ResolutionDeadline,
		t.WaitingSince, t.WaitingMinutes, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func updateTicket(ctx context.Context, tx pgx.Tx, t *domain.Ticket, expected int64) error {
	const query = `
        UPDATE tickets SET title=$1, description=$2, assigned_agent_id=$3, tutor_id=$4, state=$5, priority=$6,
            type=$7, category=$8, response_sla_minutes=$9, resolution_sla_minutes=$10, classified_at=$11,
            first_response_at=$12, resolved_at=$13, response_deadline=$14, resolution_deadline=$15,
            waiting_since=$16, waiting_minutes=$17, updated_at=$18, version=version+1
        WHERE id=$19 AND version=$20`
	cmd, err := tx.Exec(ctx, query,
		t.Title, t.Description, t.AssignedAgentID, t.TutorID, string(t.State), string(t.Priority),
		t.Type, t.Category, t.ResponseSLAMinutes, t.ResolutionSLAMinutes, t.ClassifiedAt,
		t.FirstResponseAt, t.ResolvedAt, t.ResponseDeadline, t.ResolutionDeadline,
		t.WaitingSince, t.WaitingMinutes, t.UpdatedAt,
		t.ID, expected,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	t.Version = expected + 1
	return nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e *domain.AuditEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO ticket_audit (id, ticket_id, type, actor_id, actor_name, actor_email, changes, comment, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = tx.Exec(ctx, query,
		e.ID, e.TicketID, string(e.Type), e.ActorID, e.ActorName, e.ActorEmail, changes, e.Comment, e.CreatedAt,
	)
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, ev *domain.OutboxEvent) error {
	const query = `
        INSERT INTO outbox (id, aggregate_id, routing_key, payload, status, attempts, created_at, next_attempt_at)
        VALUES ($1,$2,$3,$4,'pending',0,$5,$6)`
	_, err := tx.Exec(ctx, query,
		ev.ID, ev.AggregateID, ev.RoutingKey, []byte(ev.Payload), ev.CreatedAt, ev.NextAttemptAt,
	)
	return err
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket   domain.Ticket
		state    string
		priority string
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.TenantID,
		&ticket.Title,
		&ticket.Description,
		&ticket.ServiceType,
		&ticket.CreatorID,
		&ticket.AssignedAgentID,
		&ticket.TutorID,
		&state,
		&priority,
		&ticket.Type,
		&ticket.Category,
		&ticket.ResponseSLAMinutes,
		&ticket.ResolutionSLAMinutes,
		&ticket.ClassifiedAt,
		&ticket.FirstResponseAt,
		&ticket.ResolvedAt,
		&ticket.ResponseDeadline,
		&ticket.ResolutionDeadline,
		&ticket.WaitingSince,
		&ticket.WaitingMinutes,
		&ticket.Version,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if ticket.State, err = domain.ParseState(state); err != nil {
		return nil, fmt.Errorf("ticket %s: %w", ticket.ID, err)
	}
	if ticket.Priority, err = domain.ParsePriority(priority); err != nil {
		return nil, fmt.Errorf("ticket %s: %w", ticket.ID, err)
	}
	return &ticket, nil
}
