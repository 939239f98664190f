// Package ledger appends and reads the immutable money-movement record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gigflow/apperr"
	"gigflow/db"
	"gigflow/metrics"
)

// Recorder appends entries. It never updates or deletes.
type Recorder struct {
	idGenerator func() string
	now         func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{idGenerator: uuid.NewString, now: time.Now}
}

func (r *Recorder) WithIDGenerator(gen func() string) *Recorder {
	r.idGenerator = gen
	return r
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends e inside tx and returns its id. Replaying an idempotency key
// returns the id of the entry first written under it and appends nothing.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, e Entry) (string, error) {
	const op = "ledger: record"
	if err := validate(e); err != nil {
		return "", apperr.Validation(op, err.Error())
	}
	if e.ID == "" {
		e.ID = r.idGenerator()
	}
	if e.Status == "" {
		e.Status = "completed"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	const insertSQL = `
		INSERT INTO transactions (
			id, user_id, type, direction, amount, status, related_user_id,
			contract_id, milestone_id, description, idempotency_key, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	var id string
	err := tx.QueryRow(ctx, insertSQL,
		e.ID, e.UserID, e.Type, e.Direction, e.Amount, e.Status, e.RelatedUserID,
		e.ContractID, e.MilestoneID, e.Description, e.IdempotencyKey, e.CreatedAt,
	).Scan(&id)
	switch {
	case err == nil:
		metrics.RecordLedgerEntry(string(e.Type), string(e.Direction))
		return id, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Key already used; hand back the original entry.
		if err := tx.QueryRow(ctx, `SELECT id FROM transactions WHERE idempotency_key = $1`, e.IdempotencyKey).Scan(&id); err != nil {
			return "", apperr.FromDB(op, fmt.Errorf("lookup replayed key: %w", err))
		}
		return id, nil
	default:
		return "", apperr.FromDB(op, err)
	}
}

func validate(e Entry) error {
	switch {
	case e.UserID == "":
		return errors.New("user id required")
	case !e.Type.Valid():
		return fmt.Errorf("unknown entry type %q", e.Type)
	case e.Direction != Debit && e.Direction != Credit:
		return fmt.Errorf("unknown direction %q", e.Direction)
	case !e.Amount.IsPositive():
		return errors.New("amount must be positive")
	case e.IdempotencyKey == "":
		return errors.New("idempotency key required")
	}
	return nil
}

const entryColumns = `id, user_id, type, direction, amount, status, COALESCE(related_user_id, ''),
	COALESCE(contract_id, ''), COALESCE(milestone_id, ''), description, idempotency_key, created_at`

// ForMilestone lists a milestone's entries in append order.
func ForMilestone(ctx context.Context, q db.Querier, milestoneID string) ([]Entry, error) {
	return list(ctx, q, `SELECT `+entryColumns+` FROM transactions WHERE milestone_id = $1 ORDER BY created_at, id`, milestoneID)
}

// ForUser lists a user's newest entries.
func ForUser(ctx context.Context, q db.Querier, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return list(ctx, q, `SELECT `+entryColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
}

func list(ctx context.Context, q db.Querier, sql string, args ...any) ([]Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.FromDB("ledger: list", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Direction, &e.Amount, &e.Status, &e.RelatedUserID,
			&e.ContractID, &e.MilestoneID, &e.Description, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, apperr.FromDB("ledger: scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromDB("ledger: iterate", err)
	}
	return out, nil
}
