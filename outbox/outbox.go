// Package outbox persists notifications alongside the state change that
// raised them and relays them to the configured sinks.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Event struct {
	ID            string
	Topic         string
	Payload       []byte
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// Store is the persistence contract used by Queue and Relay.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, e Event) error
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, cause string, maxRetries int) error
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Insert writes the row inside the caller's transaction. Replaying the same
// id is a no-op.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, e Event) error {
	const insertSQL = `
		INSERT INTO outbox (id, topic, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insertSQL, e.ID, e.Topic, e.Payload); err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// Claim leases up to limit due rows by pushing their next attempt into the
// future, so concurrent relays never pick the same row inside the lease.
func (r *Repository) Claim(ctx context.Context, limit int, lease time.Duration) ([]Event, error) {
	const claimSQL = `
		UPDATE outbox o
		SET attempts = o.attempts + 1,
		    next_attempt_at = now() + make_interval(secs => $2)
		WHERE o.id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.topic, o.payload, o.status, o.attempts, COALESCE(o.last_error, ''), o.next_attempt_at, o.created_at
	`
	rows, err := r.db.Query(ctx, claimSQL, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &e.Status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkSent(ctx context.Context, id string) error {
	const updateSQL = `
		UPDATE outbox SET status = 'sent', sent_at = now(), last_error = NULL
		WHERE id = $1 AND status = 'pending'
	`
	if _, err := r.db.Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// MarkFailed schedules a retry with quadratic backoff, or parks the row as
// failed once maxRetries attempts have been made.
func (r *Repository) MarkFailed(ctx context.Context, id, cause string, maxRetries int) error {
	const updateSQL = `
		UPDATE outbox
		SET last_error = $2,
		    status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    next_attempt_at = now() + make_interval(secs => attempts * attempts)
		WHERE id = $1 AND status = 'pending'
	`
	if _, err := r.db.Exec(ctx, updateSQL, id, cause, maxRetries); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// Requeue moves failed rows back to pending so the relay picks them up again.
func (r *Repository) Requeue(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE outbox SET status = 'pending', attempts = 0, next_attempt_at = now() WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("outbox: requeue: %w", err)
	}
	return tag.RowsAffected(), nil
}
