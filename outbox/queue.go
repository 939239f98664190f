package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"gigflow/logging"
	"gigflow/notify"
)

// Queue implements notify.Queue on top of the outbox table.
type Queue struct {
	store    Store
	notifier notify.Notifier
	logger   *zap.Logger
}

var _ notify.Queue = (*Queue)(nil)

func NewQueue(store Store, notifier notify.Notifier, logger *zap.Logger) *Queue {
	return &Queue{store: store, notifier: notifier, logger: logging.OrNop(logger)}
}

func (q *Queue) Stage(ctx context.Context, tx pgx.Tx, n notify.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("outbox: marshal notification: %w", err)
	}
	return q.store.Insert(ctx, tx, Event{ID: n.ID, Topic: n.Topic(), Payload: payload})
}

// Flush delivers committed notifications right away. Anything that fails
// stays pending for the relay.
func (q *Queue) Flush(ctx context.Context, batch []notify.Notification) {
	for _, n := range batch {
		if err := q.notifier.Enqueue(ctx, n); err != nil {
			q.logger.Warn("immediate notification delivery failed, left for relay",
				zap.String("notification_id", n.ID),
				zap.String("user_id", n.UserID),
				zap.Error(err),
			)
			continue
		}
		if err := q.store.MarkSent(ctx, n.ID); err != nil {
			q.logger.Warn("mark outbox row sent failed", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}
}
