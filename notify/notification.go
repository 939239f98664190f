// Package notify delivers user notifications raised by lifecycle operations.
//
// Delivery is at-least-once: notifications are staged in the outbox inside
// the originating transaction and flushed after commit, with a relay picking
// up anything the immediate flush missed. Sinks must tolerate duplicates.
package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type Type string

const (
	TypeContract Type = "contract"
	TypePayment  Type = "payment"
	TypeProposal Type = "proposal"
	TypeReview   Type = "review"
	TypeProject  Type = "project"
	TypeDispute  Type = "dispute"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	RelatedID string    `json:"related_id,omitempty"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic is the routing key used on the outbox and the message broker.
func (n Notification) Topic() string {
	return "notification." + string(n.Type)
}

// Notifier delivers a single notification to one sink.
type Notifier interface {
	Enqueue(ctx context.Context, n Notification) error
}

// Queue stages notifications inside the caller's transaction and flushes
// them once the transaction has committed.
type Queue interface {
	Stage(ctx context.Context, tx pgx.Tx, n Notification) error
	Flush(ctx context.Context, batch []Notification)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Enqueue(context.Context, Notification) error { return nil }

func (Discard) Stage(context.Context, pgx.Tx, Notification) error { return nil }

func (Discard) Flush(context.Context, []Notification) {}
