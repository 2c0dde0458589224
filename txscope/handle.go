package txscope

import (
	"context"
	"sync"
)

// Handle is a reference-counted physical connection. Every frame sharing the
// connection and the boundary chain it is enlisted in each hold one
// reference; the underlying Conn is closed when the last one is dropped.
//
// A Handle belongs to one execution context and must not be used from
// concurrent goroutines.
type Handle struct {
	mgr *Manager

	mu     sync.Mutex
	conn   Conn
	tx     Tx
	chain  *chain
	refs   int
	closed bool
}

func newHandle(mgr *Manager, conn Conn) *Handle {
	return &Handle{mgr: mgr, conn: conn, refs: 1}
}

// Exec implements Queryer.
func (h *Handle) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	q, err := h.queryer()
	if err != nil {
		return 0, err
	}
	return q.Exec(ctx, sql, args...)
}

// Query implements Queryer.
func (h *Handle) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	q, err := h.queryer()
	if err != nil {
		return nil, err
	}
	return q.Query(ctx, sql, args...)
}

// QueryRow implements Queryer.
func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) Row {
	q, err := h.queryer()
	if err != nil {
		return errRow{err: err}
	}
	return q.QueryRow(ctx, sql, args...)
}

// Enlisted reports whether statements currently run inside a boundary's
// transaction rather than in auto-commit mode.
func (h *Handle) Enlisted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tx != nil
}

// Refs returns the number of live references.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Closed reports whether the physical connection has been released.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) queryer() (Queryer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	if h.tx != nil {
		return h.tx, nil
	}
	return h.conn, nil
}

func (h *Handle) retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// release drops one reference and closes the connection on the last one.
func (h *Handle) release(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.refs--
	if h.refs > 0 {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.conn.Close(context.WithoutCancel(ctx))
	h.mgr.recordClose(ctx)
	return err
}

func (h *Handle) attach(ch *chain, tx Tx) {
	h.mu.Lock()
	h.chain = ch
	h.tx = tx
	h.refs++
	h.mu.Unlock()
}

// detach returns the enlisted transaction and clears it, so later statements
// run in auto-commit mode.
func (h *Handle) detach() Tx {
	h.mu.Lock()
	defer h.mu.Unlock()
	tx := h.tx
	h.tx = nil
	h.chain = nil
	return tx
}

func (h *Handle) enlistedIn(ch *chain) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chain == ch
}
