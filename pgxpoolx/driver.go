package pgxpoolx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Driver opens physical connections by acquiring them from a pgx pool. It
// implements txscope.Driver.
type Driver struct {
	pool     *pgxpool.Pool
	endpoint string
	metrics  *poolMetrics
	clock    func() time.Time
}

// NewDriver wraps an existing pool. Components built with NewComponent
// already expose a Driver with pool metrics attached.
func NewDriver(pool *pgxpool.Pool) *Driver {
	return newDriver(pool, nil, time.Now)
}

func newDriver(pool *pgxpool.Pool, metrics *poolMetrics, clock func() time.Time) *Driver {
	return &Driver{pool: pool, endpoint: poolEndpoint(pool), metrics: metrics, clock: clock}
}

// Open acquires a connection from the pool.
func (d *Driver) Open(ctx context.Context) (txscope.Conn, error) {
	start := d.clock()
	conn, err := d.pool.Acquire(ctx)
	d.metrics.recordAcquire(ctx, d.clock().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("pgxpoolx: acquire: %w", err)
	}
	return &poolConn{conn: conn}, nil
}

// Endpoint returns host:port of the pool's target server.
func (d *Driver) Endpoint() string {
	return d.endpoint
}

// Pool exposes the underlying pool.
func (d *Driver) Pool() *pgxpool.Pool {
	return d.pool
}

func poolEndpoint(pool *pgxpool.Pool) string {
	if pool == nil {
		return ""
	}
	cc := pool.Config().ConnConfig
	return net.JoinHostPort(cc.Host, strconv.Itoa(int(cc.Port)))
}

type poolConn struct {
	conn *pgxpool.Conn
}

func (c *poolConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *poolConn) Query(ctx context.Context, sql string, args ...any) (txscope.Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *poolConn) QueryRow(ctx context.Context, sql string, args ...any) txscope.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

// Begin starts the enlistment transaction and applies the lock timeout for
// its duration.
func (c *poolConn) Begin(ctx context.Context, opts txscope.TxOptions) (txscope.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   isoLevel(opts.Isolation),
		AccessMode: accessMode(opts.AccessMode),
	})
	if err != nil {
		return nil, err
	}
	if opts.LockTimeout > 0 {
		if ms := opts.LockTimeout / time.Millisecond; ms > 0 {
			stmt := fmt.Sprintf("set local lock_timeout = '%dms'", ms)
			if _, execErr := tx.Exec(ctx, stmt); execErr != nil {
				_ = tx.Rollback(context.WithoutCancel(ctx))
				return nil, fmt.Errorf("set lock_timeout: %w", execErr)
			}
		}
	}
	return &poolTx{tx: tx}, nil
}

// Close returns the connection to the pool.
func (c *poolConn) Close(context.Context) error {
	c.conn.Release()
	return nil
}

type poolTx struct {
	tx pgx.Tx
}

func (t *poolTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *poolTx) Query(ctx context.Context, sql string, args ...any) (txscope.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *poolTx) QueryRow(ctx context.Context, sql string, args ...any) txscope.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *poolTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *poolTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func isoLevel(level txscope.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case txscope.Serializable:
		return pgx.Serializable
	case txscope.RepeatableRead:
		return pgx.RepeatableRead
	case txscope.ReadUncommitted:
		return pgx.ReadUncommitted
	default:
		return pgx.ReadCommitted
	}
}

func accessMode(mode txscope.AccessMode) pgx.TxAccessMode {
	if mode == txscope.ReadOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}
