package txscope

import "context"

// Queryer executes statements over a physical connection or the transaction
// it is enlisted in.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// Rows is a forward-only result set. Close must be called before the next
// statement is issued over the same connection.
type Rows interface {
	Close()
	Err() error
	Next() bool
	Scan(dest ...any) error
	Values() ([]any, error)
}

// Row is the result of QueryRow. Errors are deferred until Scan.
type Row interface {
	Scan(dest ...any) error
}

// Conn is one open physical connection handed out by a Driver.
type Conn interface {
	Queryer
	// Begin starts the database transaction used to enlist the connection
	// in a logical boundary.
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
	// Close returns the connection to its pool.
	Close(ctx context.Context) error
}

// Tx is the database transaction of an enlisted connection.
type Tx interface {
	Queryer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Driver opens physical connections against a single database endpoint.
// Implementations must be safe for concurrent use; the scoping layer calls
// Open from any goroutine.
type Driver interface {
	Open(ctx context.Context) (Conn, error)
	// Endpoint names the server the driver talks to (host or host:port).
	Endpoint() string
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
