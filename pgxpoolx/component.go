package pgxpoolx

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Component aggregates the pgx pool and the txscope driver built on it.
type Component struct {
	Pool    *pgxpool.Pool
	Driver  *Driver
	helper  *log.Helper
	metrics *poolMetrics
}

// NewComponent builds and validates a PostgreSQL connection pool according
// to cfg and wraps it in a Driver.
func NewComponent(ctx context.Context, cfg Config, deps Dependencies) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sanitized, err := cfg.Sanitize()
	if err != nil {
		return nil, nil, err
	}

	dep := deps.withDefaults(sanitized)
	helper := log.NewHelper(dep.Logger)

	poolConfig, err := pgxpool.ParseConfig(sanitized.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpoolx: parse dsn: %w", err)
	}

	if sanitized.MaxConns > 0 {
		poolConfig.MaxConns = sanitized.MaxConns
	}
	if sanitized.MinConns > 0 {
		poolConfig.MinConns = sanitized.MinConns
	}
	if sanitized.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = sanitized.MaxConnLifetime
	}
	if sanitized.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = sanitized.MaxConnIdleTime
	}
	if sanitized.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = sanitized.HealthCheckPeriod
	}

	poolConfig.ConnConfig.Tracer = dep.Tracer
	if !sanitized.PreparedStatementsEnabled() {
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	if stmt := buildSearchPathStatement(sanitized.SearchPath); stmt != "" {
		existing := poolConfig.AfterConnect
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if existing != nil {
				if err := existing(ctx, conn); err != nil {
					return err
				}
			}
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("set search_path: %w", err)
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpoolx: create pool: %w", err)
	}

	var telemetry *poolMetrics
	if sanitized.MetricsEnabledValue() {
		telemetry = newPoolMetrics(dep.Meter, helper, pool, poolEndpoint(pool))
	}

	version, err := pingWithRetry(ctx, pool, sanitized, helper, telemetry, dep.Clock)
	if err != nil {
		telemetry.shutdown()
		pool.Close()
		return nil, nil, err
	}

	helper.Infof("pgx pool created: dsn=%s max_conns=%d min_conns=%d prepared_statements=%t search_path=%s version=%s",
		sanitizeDSN(sanitized.DSN),
		poolConfig.MaxConns,
		poolConfig.MinConns,
		sanitized.PreparedStatementsEnabled(),
		strings.Join(sanitized.SearchPath, ","),
		version,
	)

	component := &Component{
		Pool:    pool,
		Driver:  newDriver(pool, telemetry, dep.Clock),
		helper:  helper,
		metrics: telemetry,
	}

	cleanup := func() {
		helper.Info("closing pgx pool")
		telemetry.shutdown()
		pool.Close()
	}
	return component, cleanup, nil
}

func buildSearchPathStatement(searchPath []string) string {
	parts := make([]string, 0, len(searchPath))
	for _, name := range searchPath {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		parts = append(parts, pgx.Identifier{trimmed}.Sanitize())
	}
	if len(parts) == 0 {
		return ""
	}
	return "set search_path to " + strings.Join(parts, ",")
}

// pingWithRetry pings until the database answers or StartupAttempts is
// exhausted, backing off exponentially between attempts.
func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, cfg Config, helper *log.Helper, telemetry *poolMetrics, clock func() time.Time) (string, error) {
	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = defaultStartupInterval
	seq.MaxInterval = cfg.StartupMaxInterval
	seq.Reset()

	var lastErr error
	for attempt := 1; attempt <= cfg.StartupAttempts; attempt++ {
		start := clock()
		version, err := pingDatabase(ctx, pool, cfg.HealthCheckTimeout)
		telemetry.recordHealthCheck(ctx, clock().Sub(start), err)
		if err == nil {
			return version, nil
		}
		lastErr = err
		if attempt == cfg.StartupAttempts {
			break
		}
		delay := seq.NextBackOff()
		if delay == backoff.Stop {
			delay = seq.MaxInterval
		}
		helper.Warnf("pgxpoolx: database not ready attempt=%d next_in=%s err=%v", attempt, delay, err)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("pgxpoolx: startup aborted: %w", context.Cause(ctx))
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

func pingDatabase(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) (string, error) {
	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(healthCtx); err != nil {
		return "", fmt.Errorf("pgxpoolx: ping: %w", err)
	}

	var version string
	if err := pool.QueryRow(healthCtx, "select version()").Scan(&version); err != nil {
		return "", fmt.Errorf("pgxpoolx: version query: %w", err)
	}
	return truncateVersion(version), nil
}

func sanitizeDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "***")
		}
	}
	return parsed.String()
}

func truncateVersion(version string) string {
	if idx := strings.Index(version, "("); idx >= 0 {
		return strings.TrimSpace(version[:idx])
	}
	if len(version) > 100 {
		return version[:100] + "..."
	}
	return version
}
