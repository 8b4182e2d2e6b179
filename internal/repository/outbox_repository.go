package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

type outboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository builds the Postgres relay-side outbox repository.
func NewOutboxRepository(pool *pgxpool.Pool) OutboxRepository {
	return &outboxRepository{pool: pool}
}

// ClaimPending claims due rows that are the oldest unsent row of their ticket,
// so at most one event per ticket is in flight across all relays.
func (r *outboxRepository) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
        WITH cte AS (
          SELECT id FROM outbox
          WHERE status = 'pending' AND next_attempt_at <= now()
            AND NOT EXISTS (
              SELECT 1 FROM outbox prior
              WHERE prior.aggregate_id = outbox.aggregate_id
                AND prior.status <> 'sent'
                AND (prior.created_at, prior.seq) < (outbox.created_at, outbox.seq)
            )
          ORDER BY created_at, seq
          LIMIT $1
          FOR UPDATE SKIP LOCKED
        ), claimed AS (
          UPDATE outbox o
          SET status = 'processing', processing_started_at = now()
          FROM cte
          WHERE o.id = cte.id
          RETURNING o.id, o.aggregate_id, o.routing_key, o.payload, o.status, o.attempts, o.last_error,
                    o.created_at, o.next_attempt_at, o.processing_started_at, o.seq
        )
        SELECT id, aggregate_id, routing_key, payload, status, attempts, last_error,
               created_at, next_attempt_at, processing_started_at
        FROM claimed ORDER BY created_at, seq`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var (
			ev      domain.OutboxEvent
			status  string
			payload []byte
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.AggregateID,
			&ev.RoutingKey,
			&payload,
			&status,
			&ev.Attempts,
			&ev.LastError,
			&ev.CreatedAt,
			&ev.NextAttemptAt,
			&ev.ProcessingStartedAt,
		); err != nil {
			return nil, err
		}
		ev.Payload = payload
		ev.Status = domain.OutboxStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	const query = `
        UPDATE outbox SET status = 'sent', sent_at = now(), processing_started_at = NULL, last_error = NULL
        WHERE id = $1`
	return r.execOne(ctx, query, id)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, errMsg string) error {
	const query = `
        UPDATE outbox SET status = 'pending', processing_started_at = NULL, attempts = attempts + 1,
            next_attempt_at = $2, last_error = $3
        WHERE id = $1`
	return r.execOne(ctx, query, id, nextAttemptAt, errMsg)
}

func (r *outboxRepository) Release(ctx context.Context, id string) error {
	const query = `UPDATE outbox SET status = 'pending', processing_started_at = NULL WHERE id = $1`
	return r.execOne(ctx, query, id)
}

func (r *outboxRepository) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	const query = `
        UPDATE outbox
        SET status = 'pending', processing_started_at = NULL, last_error = 'processing timeout'
        WHERE status = 'processing' AND processing_started_at < $1`
	cmd, err := r.pool.Exec(ctx, query, time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *outboxRepository) LagSeconds(ctx context.Context) (float64, error) {
	const query = `
        SELECT EXTRACT(EPOCH FROM (now() - created_at))::float8
        FROM outbox WHERE status = 'pending'
        ORDER BY created_at LIMIT 1`
	var lag float64
	if err := r.pool.QueryRow(ctx, query).Scan(&lag); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return lag, nil
}

func (r *outboxRepository) execOne(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %v: %w", args[0], ErrNotFound)
	}
	return nil
}
