package txscope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScopeNestingOpensOneConnection checks every depth against a single open.
func TestScopeNestingOpensOneConnection(t *testing.T) {
	for _, depth := range []int{1, 2, 5, 16} {
		db := newFakeDB()
		mgr := newManager(t, db)

		var enter func(ctx context.Context, level int) error
		enter = func(ctx context.Context, level int) error {
			return mgr.Scope(ctx, func(ctx context.Context) error {
				if err := set(ctx, mgr, "k", level); err != nil {
					return err
				}
				if level < depth {
					return enter(ctx, level+1)
				}
				return nil
			})
		}
		require.NoError(t, enter(context.Background(), 1))

		opened, closed := db.counts()
		assert.Equal(t, 1, opened, "depth %d", depth)
		assert.Equal(t, 1, closed, "depth %d", depth)
		v, ok := db.value("k")
		require.True(t, ok)
		assert.Equal(t, depth, v)
	}
}

func TestInnerExitKeepsOuterConnection(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)
	ctx := context.Background()

	outerCtx, outer, err := mgr.EnterScope(ctx)
	require.NoError(t, err)
	before := txscope.CurrentConnection(outerCtx)
	require.NotNil(t, before)
	assert.Equal(t, 1, outer.Depth())

	innerCtx, inner, err := mgr.EnterScope(outerCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Depth())
	assert.Same(t, before, txscope.CurrentConnection(innerCtx))
	assert.Equal(t, 2, before.Refs())

	require.NoError(t, mgr.ExitScope(innerCtx, inner))

	after := txscope.CurrentConnection(outerCtx)
	assert.Same(t, before, after)
	assert.False(t, after.Closed())
	assert.Equal(t, 1, after.Refs())
	_, closed := db.counts()
	assert.Zero(t, closed)

	// the inner context falls back to the outer frame once its own is gone
	assert.Same(t, before, txscope.CurrentConnection(innerCtx))

	require.NoError(t, outer.Exit(outerCtx))
	assert.True(t, before.Closed())
	assert.Nil(t, txscope.CurrentConnection(outerCtx))
	_, closed = db.counts()
	assert.Equal(t, 1, closed)
}

func TestCurrentConnectionWithoutScope(t *testing.T) {
	assert.Nil(t, txscope.CurrentConnection(context.Background()))
	assert.Nil(t, txscope.FrameFrom(context.Background()))
}

// TestExitScopeOutOfOrder verifies a violation is reported and nothing is unwound.
func TestExitScopeOutOfOrder(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	outerCtx, outer, err := mgr.EnterScope(context.Background())
	require.NoError(t, err)
	innerCtx, inner, err := mgr.EnterScope(outerCtx)
	require.NoError(t, err)
	h := outer.Handle()

	err = mgr.ExitScope(outerCtx, outer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, txscope.ErrScopeOrder))
	var orderErr *txscope.ScopeOrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, "scope", orderErr.Kind)

	assert.Equal(t, 2, h.Refs())
	assert.Same(t, inner, txscope.FrameFrom(innerCtx))
	assert.Same(t, outer, txscope.FrameFrom(outerCtx))

	require.NoError(t, mgr.ExitScope(innerCtx, inner))
	require.NoError(t, mgr.ExitScope(outerCtx, outer))
	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestExitScopeTwice(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctx, f, err := mgr.EnterScope(context.Background())
	require.NoError(t, err)
	require.NoError(t, mgr.ExitScope(ctx, f))

	err = mgr.ExitScope(ctx, f)
	assert.ErrorIs(t, err, txscope.ErrScopeOrder)
	assert.Contains(t, err.Error(), "already exited")
	_, closed := db.counts()
	assert.Equal(t, 1, closed)

	assert.ErrorIs(t, mgr.ExitScope(ctx, nil), txscope.ErrScopeOrder)
}

func TestScopeUnwindsOnPanic(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	assert.PanicsWithValue(t, "boom", func() {
		_ = mgr.Scope(context.Background(), func(ctx context.Context) error {
			return mgr.Scope(ctx, func(ctx context.Context) error {
				panic("boom")
			})
		})
	})

	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Zero(t, mgr.Stats().Active)
}

func TestScopeReturnsBodyError(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)
	want := errors.New("body failed")

	err := mgr.Scope(context.Background(), func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
	_, closed := db.counts()
	assert.Equal(t, 1, closed)
}

func TestEnterScopeOpenFailure(t *testing.T) {
	db := newFakeDB()
	db.openErr = errors.New("connection refused")
	mgr := newManager(t, db)

	ctx, f, err := mgr.EnterScope(context.Background())
	require.Error(t, err)
	assert.Nil(t, f)
	assert.Nil(t, txscope.FrameFrom(ctx))

	var connErr *txscope.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "open", connErr.Op)
	assert.Equal(t, "fake-db:5432", connErr.Endpoint)
	assert.ErrorIs(t, err, db.openErr)
	assert.Zero(t, mgr.Stats().Opened)
}

func TestEnterScopeBeginFailureClosesConnection(t *testing.T) {
	db := newFakeDB()
	db.beginErr = errors.New("begin refused")
	mgr := newManager(t, db)

	ctx, b := mgr.Begin(context.Background())
	_, f, err := mgr.EnterScope(ctx)
	require.Error(t, err)
	assert.Nil(t, f)

	var connErr *txscope.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "begin", connErr.Op)

	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	require.NoError(t, mgr.End(ctx, b))
}

// TestScopeWithoutBoundaryAutoCommits writes straight to the database.
func TestScopeWithoutBoundaryAutoCommits(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	err := mgr.Scope(context.Background(), func(ctx context.Context) error {
		h := txscope.CurrentConnection(ctx)
		assert.False(t, h.Enlisted())
		if err := set(ctx, mgr, "a", 1); err != nil {
			return err
		}
		v, ok := db.value("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		return nil
	})
	require.NoError(t, err)
}

func TestHandleClosedAfterExit(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctx, f, err := mgr.EnterScope(context.Background())
	require.NoError(t, err)
	h := f.Handle()
	require.NoError(t, f.Exit(ctx))

	_, err = h.Exec(ctx, "set", "a", 1)
	assert.ErrorIs(t, err, txscope.ErrHandleClosed)
	_, err = h.Query(ctx, "keys")
	assert.ErrorIs(t, err, txscope.ErrHandleClosed)
	var v int
	assert.ErrorIs(t, h.QueryRow(ctx, "get", "a").Scan(&v), txscope.ErrHandleClosed)
}

func TestManagerCurrentConnectionMethod(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	err := mgr.Scope(context.Background(), func(ctx context.Context) error {
		assert.Same(t, txscope.CurrentConnection(ctx), mgr.CurrentConnection(ctx))
		rows, err := mgr.CurrentConnection(ctx).Query(ctx, "keys")
		require.NoError(t, err)
		defer rows.Close()
		assert.False(t, rows.Next())
		return rows.Err()
	})
	require.NoError(t, err)
}

// TestScopeOutlivingRootKeepsItsConnection ends the root while a scope opened
// inside it is still live. The scope keeps its connection in auto-commit mode.
func TestScopeOutlivingRootKeepsItsConnection(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctxA, a := mgr.Begin(context.Background())
	ctxS, s, err := mgr.EnterScope(ctxA)
	require.NoError(t, err)
	h := txscope.CurrentConnection(ctxS)
	require.NotNil(t, h)
	require.NoError(t, set(ctxS, mgr, "k", 1))

	a.MarkComplete()
	require.NoError(t, mgr.End(ctxA, a))
	assert.Equal(t, txscope.OutcomeCommitted, a.Outcome())
	assert.False(t, h.Closed())
	assert.False(t, h.Enlisted())

	assert.Same(t, h, txscope.CurrentConnection(ctxS))
	require.NoError(t, set(ctxS, mgr, "k", 2))
	v, ok := db.value("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	innerCtx, inner, err := mgr.EnterScope(ctxS)
	require.NoError(t, err)
	assert.Same(t, h, txscope.CurrentConnection(innerCtx))
	require.NoError(t, mgr.ExitScope(innerCtx, inner))

	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 0, closed)

	require.NoError(t, mgr.ExitScope(ctxS, s))
	opened, closed = db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.True(t, h.Closed())
}
