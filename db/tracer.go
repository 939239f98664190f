package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"gigflow/metrics"
)

type queryStartKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

// SlowQueryTracer logs statements slower than the threshold and records every
// statement duration.
type SlowQueryTracer struct {
	logger    *zap.Logger
	threshold time.Duration
}

func NewSlowQueryTracer(logger *zap.Logger, threshold time.Duration) *SlowQueryTracer {
	if threshold <= 0 {
		threshold = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlowQueryTracer{logger: logger, threshold: threshold}
}

func (t *SlowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

func (t *SlowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := time.Since(start.at)
	metrics.ObserveQuery(statementVerb(start.sql), elapsed, data.Err)

	if elapsed < t.threshold {
		return
	}
	sql := start.sql
	if len(sql) > 200 {
		sql = sql[:200] + "..."
	}
	t.logger.Warn("slow query",
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.String("command_tag", data.CommandTag.String()),
		zap.Error(data.Err),
	)
}

// statementVerb returns the leading keyword of a statement, lower-cased.
func statementVerb(sql string) string {
	i := 0
	for i < len(sql) && (sql[i] == ' ' || sql[i] == '\n' || sql[i] == '\t') {
		i++
	}
	j := i
	for j < len(sql) && sql[j] != ' ' && sql[j] != '\n' && sql[j] != '\t' {
		j++
	}
	verb := sql[i:j]
	switch verb {
	case "SELECT", "select", "WITH", "with":
		return "select"
	case "INSERT", "insert":
		return "insert"
	case "UPDATE", "update":
		return "update"
	case "DELETE", "delete":
		return "delete"
	default:
		return "other"
	}
}
