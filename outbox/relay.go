package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigflow/logging"
	"gigflow/metrics"
	"gigflow/notify"
)

// Relay redelivers pending outbox rows.
type Relay struct {
	store       Store
	notifier    notify.Notifier
	logger      *zap.Logger
	maxRetries  int
	interval    time.Duration
	batchSize   int
	lease       time.Duration
	concurrency int
}

func NewRelay(store Store, notifier notify.Notifier, logger *zap.Logger) *Relay {
	return &Relay{
		store:       store,
		notifier:    notifier,
		logger:      logging.OrNop(logger),
		maxRetries:  5,
		interval:    2 * time.Second,
		batchSize:   100,
		lease:       30 * time.Second,
		concurrency: 4,
	}
}

func (r *Relay) WithMaxRetries(n int) *Relay {
	if n > 0 {
		r.maxRetries = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// Run sweeps until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Int("max_retries", r.maxRetries),
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims one batch and delivers it, returning how many rows were sent.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.Claim(ctx, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, e := range events {
		g.Go(func() error {
			if r.deliver(gctx, e) {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load()), nil
}

func (r *Relay) deliver(ctx context.Context, e Event) bool {
	var n notify.Notification
	if err := json.Unmarshal(e.Payload, &n); err != nil {
		r.fail(ctx, e, fmt.Errorf("decode payload: %w", err))
		return false
	}
	if err := r.notifier.Enqueue(ctx, n); err != nil {
		r.fail(ctx, e, err)
		return false
	}
	if err := r.store.MarkSent(ctx, e.ID); err != nil {
		r.logger.Error("mark outbox row sent failed", zap.String("event_id", e.ID), zap.Error(err))
	}
	metrics.OutboxRelayed.WithLabelValues("sent").Inc()
	return true
}

func (r *Relay) fail(ctx context.Context, e Event, cause error) {
	metrics.OutboxRelayed.WithLabelValues("failed").Inc()
	r.logger.Warn("outbox delivery failed",
		zap.String("event_id", e.ID),
		zap.String("topic", e.Topic),
		zap.Int("attempts", e.Attempts),
		zap.Error(cause),
	)
	if err := r.store.MarkFailed(ctx, e.ID, cause.Error(), r.maxRetries); err != nil {
		r.logger.Error("mark outbox row failed", zap.String("event_id", e.ID), zap.Error(err))
	}
}
