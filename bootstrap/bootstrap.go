// Package bootstrap builds the process-wide dependencies shared by the API
// server and the operator CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gigflow/config"
	"gigflow/db"
	"gigflow/logging"
	"gigflow/notify"
	"gigflow/outbox"
	"gigflow/telemetry"
)

// Deps are the long-lived handles of one process.
type Deps struct {
	Config   config.Config
	Logger   *zap.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Notifier notify.Notifier
	Outbox   *outbox.Repository
	Queue    *outbox.Queue

	closers []func()
}

// Open loads configuration and connects every backing service. Close must be
// called even when Open fails part way.
func Open(ctx context.Context, configPath string) (*Deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: logger: %w", err)
	}
	d := &Deps{Config: cfg, Logger: logger}
	d.closers = append(d.closers, func() { _ = logger.Sync() })

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return d, fmt.Errorf("bootstrap: tracing: %w", err)
	}
	d.closers = append(d.closers, func() { _ = shutdown(context.Background()) })

	d.Pool, err = db.Open(ctx, db.PoolConfig{
		URL:                cfg.Database.URL,
		MaxConns:           cfg.Database.MaxConns,
		MinConns:           cfg.Database.MinConns,
		MaxConnIdleTime:    cfg.Database.MaxConnIdleTime,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	}, logger)
	if err != nil {
		return d, err
	}
	d.closers = append(d.closers, d.Pool.Close)

	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.closers = append(d.closers, func() { _ = d.Redis.Close() })
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		// Dedupe and the failure stream degrade to pass-through without Redis.
		logger.Warn("redis unavailable, notification dedupe disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	d.Notifier, err = d.buildNotifier()
	if err != nil {
		return d, err
	}
	d.Outbox = outbox.NewRepository(d.Pool)
	d.Queue = outbox.NewQueue(d.Outbox, d.Notifier, logger)
	return d, nil
}

// buildNotifier assembles the configured sinks behind a Redis deduper.
func (d *Deps) buildNotifier() (notify.Notifier, error) {
	var sinks []notify.Sink
	for _, name := range d.Config.Notify.Sinks {
		switch name {
		case "store":
			sinks = append(sinks, notify.Sink{Name: name, Notifier: notify.NewStore(d.Pool)})
		case "amqp":
			if d.Config.AMQP.URL == "" {
				return nil, errors.New("bootstrap: notify sink amqp needs amqp.url")
			}
			pub, closeFn, err := notify.DialPublisher(d.Config.AMQP.URL, d.Config.AMQP.Exchange)
			if err != nil {
				return nil, err
			}
			d.closers = append(d.closers, closeFn)
			sinks = append(sinks, notify.Sink{Name: name, Notifier: pub})
		}
	}
	fanout := notify.NewFanout(d.Logger, sinks...).
		WithFailureRecorder(notify.NewFailureStream(d.Redis, d.Config.Notify.FailureStream))
	return notify.NewDeduped(fanout, d.Redis, d.Config.Notify.DedupeTTL, d.Logger), nil
}

// Relay returns an outbox relay tuned from configuration.
func (d *Deps) Relay() *outbox.Relay {
	return outbox.NewRelay(d.Outbox, d.Notifier, d.Logger).
		WithInterval(d.Config.Relay.Interval).
		WithBatchSize(d.Config.Relay.BatchSize).
		WithMaxRetries(d.Config.Relay.MaxRetries)
}

// Close releases resources in reverse order of acquisition.
func (d *Deps) Close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}
