package txscope_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

// fakeDB is an in-memory key/value database. Statements understood by its
// connections:
//
//	Exec("set", key, value int)   upsert
//	Exec("delete", key)           delete
//	QueryRow("get", key)          scan value, errNoRow when missing
//	Query("keys")                 every visible key in order
//
// Writes issued through a transaction stay private to it until commit.
type fakeDB struct {
	mu   sync.Mutex
	data map[string]int

	opened  int
	closed  int
	begun   int
	commits int
	rolls   int
	// attempts counts Commit calls, failed ones included.
	attempts int

	openErr   error
	beginErr  error
	commitErr error
	// commitErrAfter lets that many commits succeed before commitErr is
	// returned.
	commitErrAfter int
}

var errNoRow = errors.New("fake: no row")

func newFakeDB() *fakeDB {
	return &fakeDB{data: map[string]int{}}
}

func (db *fakeDB) Open(context.Context) (txscope.Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.openErr != nil {
		return nil, db.openErr
	}
	db.opened++
	return &fakeConn{db: db, id: db.opened}, nil
}

func (db *fakeDB) Endpoint() string { return "fake-db:5432" }

func (db *fakeDB) value(key string) (int, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.data[key]
	return v, ok
}

func (db *fakeDB) counts() (opened, closed int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.opened, db.closed
}

func (db *fakeDB) setCommitErr(err error, after int) {
	db.mu.Lock()
	db.commitErr = err
	db.commitErrAfter = after
	db.mu.Unlock()
}

type fakeConn struct {
	db     *fakeDB
	id     int
	closes int
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return applyWrite(c.db.data, sql, args)
}

func (c *fakeConn) Query(_ context.Context, sql string, _ ...any) (txscope.Rows, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return keyRows(sql, c.db.data, nil)
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) txscope.Row {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return lookup(sql, args, c.db.data, nil)
}

func (c *fakeConn) Begin(context.Context, txscope.TxOptions) (txscope.Tx, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.beginErr != nil {
		return nil, c.db.beginErr
	}
	c.db.begun++
	return &fakeTx{conn: c, pending: map[string]*int{}}, nil
}

func (c *fakeConn) Close(context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.closes++
	c.db.closed++
	if c.closes > 1 {
		return fmt.Errorf("fake: connection %d closed %d times", c.id, c.closes)
	}
	return nil
}

type fakeTx struct {
	conn    *fakeConn
	pending map[string]*int
	done    bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	db := t.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.done {
		return 0, errors.New("fake: tx closed")
	}
	switch sql {
	case "set":
		v := args[1].(int)
		t.pending[args[0].(string)] = &v
		return 1, nil
	case "delete":
		t.pending[args[0].(string)] = nil
		return 1, nil
	}
	return 0, fmt.Errorf("fake: unknown statement %q", sql)
}

func (t *fakeTx) Query(_ context.Context, sql string, _ ...any) (txscope.Rows, error) {
	db := t.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return keyRows(sql, db.data, t.pending)
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) txscope.Row {
	db := t.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return lookup(sql, args, db.data, t.pending)
}

func (t *fakeTx) Commit(context.Context) error {
	db := t.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.done {
		return errors.New("fake: tx closed")
	}
	t.done = true
	db.attempts++
	if db.commitErr != nil {
		if db.commitErrAfter == 0 {
			return db.commitErr
		}
		db.commitErrAfter--
	}
	for k, v := range t.pending {
		if v == nil {
			delete(db.data, k)
			continue
		}
		db.data[k] = *v
	}
	db.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	db := t.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	t.done = true
	t.pending = nil
	db.rolls++
	return nil
}

func applyWrite(data map[string]int, sql string, args []any) (int64, error) {
	switch sql {
	case "set":
		data[args[0].(string)] = args[1].(int)
		return 1, nil
	case "delete":
		delete(data, args[0].(string))
		return 1, nil
	}
	return 0, fmt.Errorf("fake: unknown statement %q", sql)
}

func visible(key string, data map[string]int, pending map[string]*int) (int, bool) {
	if p, ok := pending[key]; ok {
		if p == nil {
			return 0, false
		}
		return *p, true
	}
	v, ok := data[key]
	return v, ok
}

func lookup(sql string, args []any, data map[string]int, pending map[string]*int) txscope.Row {
	if sql != "get" {
		return fakeRow{err: fmt.Errorf("fake: unknown query %q", sql)}
	}
	v, ok := visible(args[0].(string), data, pending)
	if !ok {
		return fakeRow{err: errNoRow}
	}
	return fakeRow{value: v}
}

func keyRows(sql string, data map[string]int, pending map[string]*int) (txscope.Rows, error) {
	if sql != "keys" {
		return nil, fmt.Errorf("fake: unknown query %q", sql)
	}
	seen := map[string]struct{}{}
	var keys []string
	for k := range data {
		seen[k] = struct{}{}
	}
	for k := range pending {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if _, ok := visible(k, data, pending); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &fakeRows{keys: keys, pos: -1}, nil
}

type fakeRow struct {
	value int
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.value
	return nil
}

type fakeRows struct {
	keys []string
	pos  int
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.keys)
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.keys[r.pos]
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	return []any{r.keys[r.pos]}, nil
}

func newManager(t *testing.T, db *fakeDB, opts ...txscope.Option) *txscope.Manager {
	t.Helper()
	base := []txscope.Option{txscope.WithLogger(log.NewStdLogger(io.Discard))}
	mgr, err := txscope.NewManager(db, txscope.Config{}, append(base, opts...)...)
	require.NoError(t, err)
	return mgr
}

func set(ctx context.Context, mgr *txscope.Manager, key string, value int) error {
	return mgr.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, "set", key, value)
		return err
	})
}

func get(ctx context.Context, mgr *txscope.Manager, key string) (int, error) {
	var v int
	err := mgr.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		return q.QueryRow(ctx, "get", key).Scan(&v)
	})
	return v, err
}
