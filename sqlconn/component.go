package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lingo-dbscope/sqlconn"

// Component owns a database/sql pool and the txscope driver built on it.
type Component struct {
	DB     *sql.DB
	Driver *Driver
}

// NewComponent opens the pool described by cfg, waits for the server to
// answer and wraps the pool in a Driver.
func NewComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	helper := log.NewHelper(logger)

	sanitized, err := cfg.Sanitize()
	if err != nil {
		return nil, nil, err
	}
	connector, endpoint, err := newConnector(sanitized)
	if err != nil {
		return nil, nil, err
	}

	db := sql.OpenDB(connector)
	if sanitized.MaxOpenConns > 0 {
		db.SetMaxOpenConns(sanitized.MaxOpenConns)
	}
	if sanitized.MaxIdleConns > 0 {
		db.SetMaxIdleConns(sanitized.MaxIdleConns)
	}
	if sanitized.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(sanitized.ConnMaxLifetime)
	}
	if sanitized.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(sanitized.ConnMaxIdleTime)
	}

	if err := pingWithRetry(ctx, db, sanitized, helper); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	reg := registerPoolGauges(db, sanitized.Driver, helper)
	helper.Infof("sql pool created: driver=%s endpoint=%s max_open=%d", sanitized.Driver, endpoint, sanitized.MaxOpenConns)

	comp := &Component{DB: db, Driver: NewDriver(db, sanitized.Driver, endpoint)}
	cleanup := func() {
		helper.Info("closing sql pool")
		if reg != nil {
			_ = reg.Unregister()
		}
		if err := db.Close(); err != nil {
			helper.Warnf("sqlconn: close pool: %v", err)
		}
	}
	return comp, cleanup, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, cfg Config, helper *log.Helper) error {
	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = defaultStartupInterval
	seq.MaxInterval = cfg.StartupMaxInterval
	seq.Reset()

	var lastErr error
	for attempt := 1; attempt <= cfg.StartupAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("sqlconn: ping: %w", err)
		if attempt == cfg.StartupAttempts {
			break
		}
		delay := seq.NextBackOff()
		if delay == backoff.Stop {
			delay = seq.MaxInterval
		}
		helper.Warnf("sqlconn: database not ready attempt=%d next_in=%s err=%v", attempt, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("sqlconn: startup aborted: %w", context.Cause(ctx))
		case <-time.After(delay):
		}
	}
	return lastErr
}

func registerPoolGauges(db *sql.DB, driverName string, helper *log.Helper) metric.Registration {
	meter := otel.GetMeterProvider().Meter(meterName)
	open, err := meter.Int64ObservableGauge("db.sql.connections.open")
	if err != nil {
		helper.Warnf("sqlconn: create gauge: %v", err)
		return nil
	}
	inUse, err := meter.Int64ObservableGauge("db.sql.connections.in_use")
	if err != nil {
		helper.Warnf("sqlconn: create gauge: %v", err)
		return nil
	}
	waits, err := meter.Int64ObservableCounter("db.sql.connections.waits")
	if err != nil {
		helper.Warnf("sqlconn: create counter: %v", err)
		return nil
	}
	attrs := metric.WithAttributes(attribute.String("db.system", driverName))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := db.Stats()
		o.ObserveInt64(open, int64(stats.OpenConnections), attrs)
		o.ObserveInt64(inUse, int64(stats.InUse), attrs)
		o.ObserveInt64(waits, stats.WaitCount, attrs)
		return nil
	}, open, inUse, waits)
	if err != nil {
		helper.Warnf("sqlconn: register callback: %v", err)
		return nil
	}
	return reg
}
