package pgxpoolx

import (
	"context"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// poolMetrics reports how long scopes wait for a physical connection and
// how full the pool is. A nil or zero poolMetrics records nothing.
type poolMetrics struct {
	helper *log.Helper
	attrs  metric.MeasurementOption

	acquire      metric.Float64Histogram
	acquireFails metric.Int64Counter
	health       metric.Float64Histogram
	healthFails  metric.Int64Counter
	registration metric.Registration
}

func newPoolMetrics(meter metric.Meter, helper *log.Helper, pool *pgxpool.Pool, endpoint string) *poolMetrics {
	m := &poolMetrics{
		helper: helper,
		attrs:  metric.WithAttributes(attribute.String("server.address", endpoint)),
	}
	var errs []error
	var err error

	m.acquire, err = meter.Float64Histogram("db.pgx.acquire.duration",
		metric.WithUnit("ms"), metric.WithDescription("Time spent waiting for a pooled connection"))
	errs = append(errs, err)
	m.acquireFails, err = meter.Int64Counter("db.pgx.acquire.failures")
	errs = append(errs, err)
	m.health, err = meter.Float64Histogram("db.pgx.health_check.duration", metric.WithUnit("ms"))
	errs = append(errs, err)
	m.healthFails, err = meter.Int64Counter("db.pgx.health_check.failures")
	errs = append(errs, err)

	conns, err := meter.Int64ObservableGauge("db.pgx.connections",
		metric.WithDescription("Pool connections by state"))
	errs = append(errs, err)
	waits, err := meter.Int64ObservableCounter("db.pgx.empty_acquires",
		metric.WithDescription("Acquires that had to wait for a connection"))
	errs = append(errs, err)

	if conns != nil && waits != nil {
		m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			st := pool.Stat()
			for state, n := range map[string]int32{
				"acquired":     st.AcquiredConns(),
				"idle":         st.IdleConns(),
				"constructing": st.ConstructingConns(),
				"max":          st.MaxConns(),
			} {
				o.ObserveInt64(conns, int64(n), metric.WithAttributes(
					attribute.String("server.address", endpoint), attribute.String("state", state)))
			}
			o.ObserveInt64(waits, st.EmptyAcquireCount(), m.attrs)
			return nil
		}, conns, waits)
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		helper.Warnf("pgxpoolx: metrics partially disabled: %v", err)
	}
	return m
}

func (m *poolMetrics) recordAcquire(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if m.acquire != nil {
		m.acquire.Record(ctx, float64(elapsed)/float64(time.Millisecond), m.attrs)
	}
	if err != nil && m.acquireFails != nil {
		m.acquireFails.Add(ctx, 1, m.attrs)
	}
}

func (m *poolMetrics) recordHealthCheck(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if m.health != nil {
		m.health.Record(ctx, float64(elapsed)/float64(time.Millisecond), m.attrs)
	}
	if err != nil && m.healthFails != nil {
		m.healthFails.Add(ctx, 1, m.attrs)
	}
}

func (m *poolMetrics) shutdown() {
	if m == nil || m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		m.helper.Warnf("pgxpoolx: unregister pool callback: %v", err)
	}
}
