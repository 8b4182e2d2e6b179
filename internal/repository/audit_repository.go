package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

type auditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository builds the Postgres audit reader.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) List(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if q.TicketID != "" {
		args = append(args, q.TicketID)
		clauses = append(clauses, fmt.Sprintf("ticket_id=$%d", len(args)))
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		clauses = append(clauses, fmt.Sprintf("type=$%d", len(args)))
	}
	if q.ActorID != "" {
		args = append(args, q.ActorID)
		clauses = append(clauses, fmt.Sprintf("actor_id=$%d", len(args)))
	}
	limit, offset := normalizePage(q.Limit, q.Offset)

	query := fmt.Sprintf(`
        SELECT id, ticket_id, type, actor_id, actor_name, actor_email, changes, comment, created_at
        FROM ticket_audit WHERE %s ORDER BY created_at DESC, seq DESC LIMIT %d OFFSET %d`,
		strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows pgx.Rows) ([]domain.AuditEntry, error) {
	result := []domain.AuditEntry{}
	for rows.Next() {
		var (
			entry   domain.AuditEntry
			typ     string
			changes []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.TicketID,
			&typ,
			&entry.ActorID,
			&entry.ActorName,
			&entry.ActorEmail,
			&changes,
			&entry.Comment,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		parsed, err := domain.ParseAuditType(typ)
		if err != nil {
			return nil, err
		}
		entry.Type = parsed
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &entry.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes %s: %w", entry.ID, err)
			}
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
