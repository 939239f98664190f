package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gigflow/logging"
	"gigflow/metrics"
)

// Sink is a named Notifier.
type Sink struct {
	Name     string
	Notifier Notifier
}

// FailureRecorder keeps an audit trail of failed deliveries.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, sink string, n Notification, cause error) error
}

// Fanout delivers to every sink in order. A failing sink does not stop the
// others; the joined error reports every failure.
type Fanout struct {
	sinks    []Sink
	failures FailureRecorder
	logger   *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logging.OrNop(logger)}
}

func (f *Fanout) WithFailureRecorder(r FailureRecorder) *Fanout {
	f.failures = r
	return f
}

func (f *Fanout) Enqueue(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range f.sinks {
		err := sink.Notifier.Enqueue(ctx, n)
		if err == nil {
			continue
		}
		metrics.RecordNotificationFailure(sink.Name, string(n.Type))
		f.logger.Warn("notification delivery failed",
			zap.String("sink", sink.Name),
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
		if f.failures != nil {
			if rerr := f.failures.RecordFailure(ctx, sink.Name, n, err); rerr != nil {
				f.logger.Error("record notification failure", zap.Error(rerr))
			}
		}
		errs = append(errs, fmt.Errorf("notify: %s: %w", sink.Name, err))
	}
	return errors.Join(errs...)
}
