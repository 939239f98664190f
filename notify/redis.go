package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gigflow/logging"
)

// SetNXer is the subset of redis.Cmdable the deduper needs.
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Deduped suppresses repeat deliveries of the same notification id to the
// wrapped sink. When Redis is unavailable it lets the delivery through.
type Deduped struct {
	next   Notifier
	rdb    SetNXer
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewDeduped(next Notifier, rdb SetNXer, ttl time.Duration, logger *zap.Logger) *Deduped {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduped{next: next, rdb: rdb, ttl: ttl, prefix: "gigflow:notify:sent:", logger: logging.OrNop(logger)}
}

func (d *Deduped) Enqueue(ctx context.Context, n Notification) error {
	key := d.prefix + n.ID
	first, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("notification dedupe check failed, delivering anyway",
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
		return d.next.Enqueue(ctx, n)
	}
	if !first {
		d.logger.Debug("skipped duplicate notification", zap.String("notification_id", n.ID))
		return nil
	}
	if err := d.next.Enqueue(ctx, n); err != nil {
		// Release the marker so the relay can retry.
		_ = d.rdb.Del(ctx, key).Err()
		return err
	}
	return nil
}

// StreamAdder is the subset of redis.Cmdable the failure log needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// FailureStream appends failed deliveries to a capped Redis stream.
type FailureStream struct {
	rdb    StreamAdder
	stream string
	maxLen int64
}

func NewFailureStream(rdb StreamAdder, stream string) *FailureStream {
	if stream == "" {
		stream = "gigflow:notify:failures"
	}
	return &FailureStream{rdb: rdb, stream: stream, maxLen: 10000}
}

func (f *FailureStream) RecordFailure(ctx context.Context, sink string, n Notification, cause error) error {
	args := &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sink":            sink,
			"notification_id": n.ID,
			"user_id":         n.UserID,
			"type":            string(n.Type),
			"error":           cause.Error(),
		},
	}
	if err := f.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: xadd %s: %w", f.stream, err)
	}
	return nil
}
