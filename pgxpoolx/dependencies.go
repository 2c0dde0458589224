package pgxpoolx

import (
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lingo-dbscope/pgxpoolx"

// Dependencies lists collaborators used during component construction.
// Zero-value fields fall back to a discarding logger, the global meter
// provider, the slow-query logging tracer and time.Now.
type Dependencies struct {
	Logger log.Logger
	Meter  metric.Meter
	Tracer pgx.QueryTracer
	Clock  func() time.Time
}

// withDefaults fills the zero-value fields. The default tracer needs the
// logger and the slow-query threshold, so it is resolved last.
func (d Dependencies) withDefaults(cfg Config) Dependencies {
	if d.Logger == nil {
		d.Logger = log.NewStdLogger(io.Discard)
	}
	if d.Meter == nil {
		d.Meter = otel.GetMeterProvider().Meter(meterName)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Tracer == nil {
		d.Tracer = newPGXLogger(log.NewHelper(d.Logger), cfg.SlowQueryThreshold, d.Clock)
	}
	return d
}
