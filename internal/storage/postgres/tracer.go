package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DefaultSlowQuery is the duration after which a query is logged at Warn.
const DefaultSlowQuery = 200 * time.Millisecond

type traceStartKey struct{}

type traceStart struct {
	sql   string
	begin time.Time
}

// queryTracer routes pgx query traces into zap: failures and slow queries
// are logged, everything else only at Debug.
type queryTracer struct {
	logger *zap.Logger
	slow   time.Duration
	now    func() time.Time
}

func newQueryTracer(logger *zap.Logger, slow time.Duration) *queryTracer {
	if slow <= 0 {
		slow = DefaultSlowQuery
	}
	return &queryTracer{logger: logger, slow: slow, now: time.Now}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, begin: t.now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := t.now().Sub(start.begin)
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", compactSQL(start.sql)),
		zap.Int64("rows", data.CommandTag.RowsAffected()),
	}

	switch {
	case data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows):
		t.logger.Error("Query failed", append(fields, zap.Error(data.Err))...)
	case elapsed >= t.slow:
		t.logger.Warn("Slow query", fields...)
	default:
		t.logger.Debug("Query", fields...)
	}
}

// compactSQL collapses the whitespace of multi-line statements.
func compactSQL(sql string) string {
	out := make([]byte, 0, len(sql))
	space := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			space = len(out) > 0
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, c)
	}
	return string(out)
}
