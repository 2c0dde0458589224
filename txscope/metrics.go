package txscope

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type telemetry struct {
	enabled bool

	duration     metric.Float64Histogram
	active       metric.Int64UpDownCounter
	failures     metric.Int64Counter
	opened       metric.Int64Counter
	connsActive  metric.Int64UpDownCounter
	coordination metric.Int64Counter

	logger *log.Helper
}

func newTelemetry(meter metric.Meter, logger *log.Helper, enabled bool) *telemetry {
	t := &telemetry{enabled: enabled, logger: logger}
	if !enabled {
		return t
	}

	var err error
	t.duration, err = meter.Float64Histogram("db.tx.duration", metric.WithUnit("ms"))
	if err != nil {
		logger.Warnf("txscope: create histogram: %v", err)
	}
	t.active, err = meter.Int64UpDownCounter("db.tx.active")
	if err != nil {
		logger.Warnf("txscope: create active counter: %v", err)
	}
	t.failures, err = meter.Int64Counter("db.tx.failures")
	if err != nil {
		logger.Warnf("txscope: create failures counter: %v", err)
	}
	t.opened, err = meter.Int64Counter("db.scope.connections.opened")
	if err != nil {
		logger.Warnf("txscope: create opened counter: %v", err)
	}
	t.connsActive, err = meter.Int64UpDownCounter("db.scope.connections.active")
	if err != nil {
		logger.Warnf("txscope: create connections counter: %v", err)
	}
	t.coordination, err = meter.Int64Counter("db.scope.coordination.failures")
	if err != nil {
		logger.Warnf("txscope: create coordination counter: %v", err)
	}
	return t
}

func (t *telemetry) recordBegin(ctx context.Context, isolation IsolationLevel) {
	if !t.enabled || t.active == nil {
		return
	}
	t.active.Add(ctx, 1, metric.WithAttributes(attribute.String("tx.isolation", string(isolation))))
}

func (t *telemetry) recordResolve(ctx context.Context, isolation IsolationLevel, outcome Outcome, err error, elapsed time.Duration) {
	if !t.enabled {
		return
	}
	if t.active != nil {
		t.active.Add(ctx, -1, metric.WithAttributes(attribute.String("tx.isolation", string(isolation))))
	}
	opts := metric.WithAttributes(
		attribute.String("tx.isolation", string(isolation)),
		attribute.String("tx.outcome", outcome.String()),
	)
	if t.duration != nil {
		t.duration.Record(ctx, float64(elapsed.Milliseconds()), opts)
	}
	if err != nil && t.failures != nil {
		t.failures.Add(ctx, 1, opts)
	}
}

func (t *telemetry) recordOpen(ctx context.Context, scoped bool) {
	if !t.enabled {
		return
	}
	if t.opened != nil {
		t.opened.Add(ctx, 1, metric.WithAttributes(attribute.Bool("scope.shared", scoped)))
	}
	if t.connsActive != nil {
		t.connsActive.Add(ctx, 1)
	}
}

func (t *telemetry) recordClose(ctx context.Context) {
	if !t.enabled || t.connsActive == nil {
		return
	}
	t.connsActive.Add(ctx, -1)
}

func (t *telemetry) recordCoordinationFailure(ctx context.Context) {
	if !t.enabled || t.coordination == nil {
		return
	}
	t.coordination.Add(ctx, 1)
}
