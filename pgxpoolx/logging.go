package pgxpoolx

import (
	"context"
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
)

type queryStartKey struct{}

type pgxLogger struct {
	helper    *log.Helper
	slowQuery time.Duration
	clock     func() time.Time
}

func newPGXLogger(helper *log.Helper, slowQuery time.Duration, clock func() time.Time) pgx.QueryTracer {
	if helper == nil {
		helper = log.NewHelper(log.NewStdLogger(io.Discard))
	}
	if clock == nil {
		clock = time.Now
	}
	return &pgxLogger{helper: helper, slowQuery: slowQuery, clock: clock}
}

// TraceQueryStart implements pgx.QueryTracer by stamping the start time so
// the end hook can report slow statements.
func (l *pgxLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	if l.slowQuery <= 0 {
		return ctx
	}
	return context.WithValue(ctx, queryStartKey{}, l.clock())
}

// TraceQueryEnd logs failures and slow statements without the SQL text to
// avoid leaking sensitive data.
func (l *pgxLogger) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		l.helper.WithContext(ctx).Errorf("pgx query failed: pid=%d command_tag=%s err=%v", backendPID(conn), data.CommandTag.String(), data.Err)
		return
	}
	start, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	if elapsed := l.clock().Sub(start); elapsed >= l.slowQuery {
		l.helper.WithContext(ctx).Warnf("pgx slow query: pid=%d command_tag=%s elapsed=%s", backendPID(conn), data.CommandTag.String(), elapsed)
	}
}

func backendPID(conn *pgx.Conn) uint32 {
	if conn == nil || conn.PgConn() == nil {
		return 0
	}
	return conn.PgConn().PID()
}
