package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bionicotaku/lingo-dbscope/txscope"
)

// Driver opens physical connections from a database/sql pool. It implements
// txscope.Driver.
type Driver struct {
	db       *sql.DB
	dialect  string
	endpoint string
}

// NewDriver wraps db. dialect is one of Postgres, MySQL or SQLServer and
// selects how lock timeouts are applied.
func NewDriver(db *sql.DB, dialect, endpoint string) *Driver {
	return &Driver{db: db, dialect: dialect, endpoint: endpoint}
}

// Open reserves one connection of the pool.
func (d *Driver) Open(ctx context.Context) (txscope.Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlconn: conn: %w", err)
	}
	return &sqlConn{conn: conn, dialect: d.dialect}, nil
}

// Endpoint returns the server the pool talks to.
func (d *Driver) Endpoint() string { return d.endpoint }

// DB exposes the underlying pool.
func (d *Driver) DB() *sql.DB { return d.db }

// Dialect is one of Postgres, MySQL or SQLServer.
func (d *Driver) Dialect() string { return d.dialect }

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execAffected(ctx context.Context, q execQueryer, query string, args []any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// some drivers cannot report affected rows for DDL
		return 0, nil
	}
	return n, nil
}

func queryRows(ctx context.Context, q execQueryer, query string, args []any) (txscope.Rows, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rowsAdapter{Rows: rows}, nil
}

type sqlConn struct {
	conn    *sql.Conn
	dialect string
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execAffected(ctx, c.conn, query, args)
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (txscope.Rows, error) {
	return queryRows(ctx, c.conn, query, args)
}

func (c *sqlConn) QueryRow(ctx context.Context, query string, args ...any) txscope.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *sqlConn) Begin(ctx context.Context, opts txscope.TxOptions) (txscope.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{
		Isolation: isolationLevel(opts.Isolation),
		ReadOnly:  opts.AccessMode == txscope.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	if stmt := lockTimeoutStatement(c.dialect, opts); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}
	return &sqlTx{tx: tx}, nil
}

// Close returns the connection to the pool.
func (c *sqlConn) Close(context.Context) error {
	return c.conn.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execAffected(ctx, t.tx, query, args)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (txscope.Rows, error) {
	return queryRows(ctx, t.tx, query, args)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) txscope.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func isolationLevel(level txscope.IsolationLevel) sql.IsolationLevel {
	switch level {
	case txscope.Serializable:
		return sql.LevelSerializable
	case txscope.RepeatableRead:
		return sql.LevelRepeatableRead
	case txscope.ReadUncommitted:
		return sql.LevelReadUncommitted
	case txscope.ReadCommitted:
		return sql.LevelReadCommitted
	default:
		return sql.LevelDefault
	}
}

// lockTimeoutStatement returns the statement bounding lock waits inside the
// transaction, or "" when no timeout is set.
func lockTimeoutStatement(dialect string, opts txscope.TxOptions) string {
	ms := opts.LockTimeout.Milliseconds()
	if ms <= 0 {
		return ""
	}
	switch dialect {
	case Postgres:
		return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
	case MySQL:
		// session scoped; innodb only accepts whole seconds
		secs := (ms + 999) / 1000
		return fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)
	case SQLServer:
		return fmt.Sprintf("SET LOCK_TIMEOUT %d", ms)
	}
	return ""
}
