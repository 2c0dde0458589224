package txscope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioNestedCompleteRootAborted walks the A/S1/X/B/S2/Y sequence with
// the root left incomplete.
func TestScenarioNestedCompleteRootAborted(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctxA, a := mgr.Begin(context.Background())
	ctxS1, s1, err := mgr.EnterScope(ctxA)
	require.NoError(t, err)
	c := s1.Handle()
	require.True(t, c.Enlisted())
	require.NoError(t, set(ctxS1, mgr, "X", 1))

	ctxB, b := mgr.Begin(ctxS1)
	assert.Same(t, a, b.Parent())
	ctxS2, s2, err := mgr.EnterScope(ctxB)
	require.NoError(t, err)
	assert.Same(t, c, s2.Handle())
	require.NoError(t, set(ctxS2, mgr, "Y", 2))
	b.MarkComplete()

	require.NoError(t, mgr.ExitScope(ctxS2, s2))
	assert.False(t, c.Closed())
	require.NoError(t, mgr.End(ctxB, b))
	assert.Equal(t, txscope.StateCompletedPending, b.State())
	assert.Equal(t, txscope.OutcomePending, b.Outcome())
	require.NoError(t, mgr.ExitScope(ctxS1, s1))
	assert.False(t, c.Closed(), "the boundary still owns the connection")
	assert.Equal(t, 1, c.Refs())

	require.NoError(t, mgr.End(ctxA, a))

	_, okX := db.value("X")
	_, okY := db.value("Y")
	assert.False(t, okX)
	assert.False(t, okY)
	assert.True(t, c.Closed())
	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, txscope.OutcomeRolledBack, a.Outcome())
	assert.Equal(t, txscope.StateResolved, a.State())
	assert.Equal(t, txscope.StateResolved, b.State())
}

func TestRootCompleteCommitsEveryNestedWrite(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	err := mgr.Within(context.Background(), txscope.TxOptions{}, func(ctx context.Context) error {
		return mgr.Scope(ctx, func(ctx context.Context) error {
			if err := set(ctx, mgr, "a", 1); err != nil {
				return err
			}
			if err := mgr.Within(ctx, txscope.TxOptions{}, func(ctx context.Context) error {
				return mgr.Scope(ctx, func(ctx context.Context) error {
					return set(ctx, mgr, "b", 2)
				})
			}); err != nil {
				return err
			}
			// nothing is visible outside the transaction yet
			_, ok := db.value("a")
			assert.False(t, ok)
			v, err := get(ctx, mgr, "b")
			assert.NoError(t, err)
			assert.Equal(t, 2, v)
			return nil
		})
	})
	require.NoError(t, err)

	a, _ := db.value("a")
	b, _ := db.value("b")
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestRootIncompleteRollsBackCompletedChildren(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctx, root := mgr.Begin(context.Background())
	err := mgr.Scope(ctx, func(ctx context.Context) error {
		for _, key := range []string{"a", "b", "c"} {
			if err := mgr.Within(ctx, txscope.TxOptions{}, func(ctx context.Context) error {
				return set(ctx, mgr, key, 1)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mgr.End(ctx, root))

	for _, key := range []string{"a", "b", "c"} {
		_, ok := db.value(key)
		assert.False(t, ok, key)
	}
	assert.Equal(t, txscope.OutcomeRolledBack, root.Outcome())
}

// TestNestedAbortIsDeferredToRoot keeps the transaction open until the root ends.
func TestNestedAbortIsDeferredToRoot(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctxA, a := mgr.Begin(context.Background())
	ctxS, s, err := mgr.EnterScope(ctxA)
	require.NoError(t, err)
	require.NoError(t, set(ctxS, mgr, "a", 1))

	ctxB, b := mgr.Begin(ctxS)
	require.NoError(t, mgr.End(ctxB, b))
	assert.Equal(t, txscope.StateAbortedPending, b.State())
	assert.True(t, s.Handle().Enlisted())

	v, err := get(ctxS, mgr, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	a.MarkComplete()
	require.NoError(t, mgr.ExitScope(ctxS, s))
	require.NoError(t, mgr.End(ctxA, a))

	_, ok := db.value("a")
	assert.False(t, ok)
	assert.Equal(t, txscope.OutcomeRolledBack, a.Outcome())
	assert.True(t, a.Completed())
	assert.False(t, b.Completed())
}

func TestBoundaryStateMachine(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctx, b := mgr.Begin(context.Background())
	assert.True(t, b.Root())
	assert.Equal(t, 1, b.Depth())
	assert.False(t, b.Independent())
	assert.Equal(t, txscope.StateActive, b.State())
	assert.Equal(t, "active", b.State().String())

	b.MarkComplete()
	assert.True(t, b.Completed())
	require.NoError(t, mgr.End(ctx, b))
	assert.Equal(t, txscope.StateResolved, b.State())
	assert.Equal(t, txscope.OutcomeCommitted, b.Outcome())
	assert.Equal(t, "committed", b.Outcome().String())

	// late completion changes nothing
	b.MarkComplete()
	assert.Equal(t, txscope.OutcomeCommitted, b.Outcome())
}

func TestEndOutOfOrder(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctxA, a := mgr.Begin(context.Background())
	ctxB, b := mgr.Begin(ctxA)
	assert.Equal(t, 2, b.Depth())
	assert.False(t, b.Root())

	err := mgr.End(ctxA, a)
	require.Error(t, err)
	var orderErr *txscope.ScopeOrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, "boundary", orderErr.Kind)
	assert.Equal(t, txscope.StateActive, a.State())
	assert.Same(t, b, txscope.BoundaryFrom(ctxB))

	b.MarkComplete()
	a.MarkComplete()
	require.NoError(t, mgr.End(ctxB, b))
	require.NoError(t, mgr.End(ctxA, a))
	assert.Equal(t, txscope.OutcomeCommitted, a.Outcome())
}

func TestEndTwice(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctx, b := mgr.Begin(context.Background())
	require.NoError(t, mgr.End(ctx, b))
	err := mgr.End(ctx, b)
	assert.ErrorIs(t, err, txscope.ErrScopeOrder)
	assert.Contains(t, err.Error(), "already ended")
	assert.ErrorIs(t, mgr.End(ctx, nil), txscope.ErrScopeOrder)
}

func TestIndependentBoundary(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctxA, a := mgr.Begin(context.Background())
	require.NoError(t, mgr.Scope(ctxA, func(ctx context.Context) error {
		if err := set(ctx, mgr, "outer", 1); err != nil {
			return err
		}
		return mgr.WithinIndependent(ctx, txscope.TxOptions{}, func(ctx context.Context) error {
			inner := txscope.BoundaryFrom(ctx)
			assert.True(t, inner.Independent())
			assert.True(t, inner.Root())
			assert.NotSame(t, a, inner)
			// the independent chain never shares the outer chain's connection
			assert.Nil(t, txscope.CurrentConnection(ctx))
			return mgr.Scope(ctx, func(ctx context.Context) error {
				return set(ctx, mgr, "audit", 7)
			})
		})
	}))

	v, ok := db.value("audit")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	require.NoError(t, mgr.End(ctxA, a))
	_, ok = db.value("outer")
	assert.False(t, ok)
	opened, closed := db.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed)
}

func TestEndOuterBeforeIndependent(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	ctxA, a := mgr.Begin(context.Background())
	ctxI, i := mgr.Begin(ctxA, txscope.Independent())

	assert.ErrorIs(t, mgr.End(ctxA, a), txscope.ErrScopeOrder)
	require.NoError(t, mgr.End(ctxI, i))
	assert.Same(t, a, txscope.BoundaryFrom(ctxI))
	require.NoError(t, mgr.End(ctxA, a))
	assert.Nil(t, txscope.BoundaryFrom(ctxI))
}

func TestWithinRollsBackOnError(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)
	want := errors.New("insufficient stock")

	err := mgr.Within(context.Background(), txscope.TxOptions{}, func(ctx context.Context) error {
		return mgr.Scope(ctx, func(ctx context.Context) error {
			if err := set(ctx, mgr, "a", 1); err != nil {
				return err
			}
			return want
		})
	})
	assert.ErrorIs(t, err, want)
	_, ok := db.value("a")
	assert.False(t, ok)
	assert.Zero(t, mgr.Stats().Active)
}

func TestWithinUnwindsOnPanic(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	assert.Panics(t, func() {
		_ = mgr.Within(context.Background(), txscope.TxOptions{}, func(ctx context.Context) error {
			return mgr.Scope(ctx, func(ctx context.Context) error {
				if err := set(ctx, mgr, "a", 1); err != nil {
					return err
				}
				panic(errors.New("unexpected"))
			})
		})
	})

	_, ok := db.value("a")
	assert.False(t, ok)
	opened, closed := db.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestCommitFailureIsIndeterminate(t *testing.T) {
	db := newFakeDB()
	db.setCommitErr(errors.New("connection reset by peer"), 0)
	mgr := newManager(t, db)

	ctx, b := mgr.Begin(context.Background())
	require.NoError(t, mgr.Scope(ctx, func(ctx context.Context) error {
		return set(ctx, mgr, "a", 1)
	}))
	b.MarkComplete()

	err := mgr.End(ctx, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, txscope.ErrCommitFailed)
	var commitErr *txscope.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, "commit", commitErr.Phase)
	assert.Equal(t, b.ID(), commitErr.BoundaryID)
	assert.True(t, commitErr.Indeterminate)
	assert.False(t, commitErr.Retryable)
	assert.Equal(t, txscope.OutcomeIndeterminate, b.Outcome())
	assert.Equal(t, txscope.StateResolved, b.State())

	_, closed := db.counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, db.begun)
}

func TestCommitFailureCarriesSQLState(t *testing.T) {
	db := newFakeDB()
	db.setCommitErr(&pgconn.PgError{Code: "40001", Message: "could not serialize access"}, 0)
	mgr := newManager(t, db)

	err := mgr.Within(context.Background(), txscope.TxOptions{Isolation: txscope.Serializable}, func(ctx context.Context) error {
		return set(ctx, mgr, "a", 1)
	})
	require.Error(t, err)
	var commitErr *txscope.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, "40001", commitErr.SQLState)
	assert.True(t, commitErr.Retryable)
	assert.True(t, txscope.IsRetryable(err))
	assert.Equal(t, 1, db.attempts, "the commit is attempted once and never replayed")
	assert.Zero(t, db.commits)
}

func TestIsTransactionActive(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	assert.False(t, txscope.IsTransactionActive(context.Background()))
	ctx, b := mgr.Begin(context.Background())
	assert.True(t, txscope.IsTransactionActive(ctx))
	require.NoError(t, mgr.End(ctx, b))
	assert.False(t, txscope.IsTransactionActive(ctx))
}

func TestWithinReadOnlyUsesPreset(t *testing.T) {
	db := newFakeDB()
	mgr := newManager(t, db)

	var opts txscope.TxOptions
	spy := &optionSpy{fakeDB: db, seen: &opts}
	spyMgr, err := txscope.NewManager(spy, txscope.Config{LockTimeout: 0})
	require.NoError(t, err)

	require.NoError(t, spyMgr.WithinReadOnly(context.Background(), txscope.TxOptions{}, func(ctx context.Context) error {
		_, err := get(ctx, spyMgr, "missing")
		if errors.Is(err, errNoRow) {
			return nil
		}
		return err
	}))
	assert.Equal(t, txscope.ReadOnly, opts.AccessMode)
	assert.Equal(t, txscope.ReadCommitted, opts.Isolation)
	assert.Equal(t, txscope.ReadOnly, mgr.Presets().ReadOnly.AccessMode)
}

// optionSpy records the options of the last transaction begun.
type optionSpy struct {
	*fakeDB
	seen *txscope.TxOptions
}

func (s *optionSpy) Open(ctx context.Context) (txscope.Conn, error) {
	conn, err := s.fakeDB.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &spyConn{Conn: conn, seen: s.seen}, nil
}

type spyConn struct {
	txscope.Conn
	seen *txscope.TxOptions
}

func (c *spyConn) Begin(ctx context.Context, opts txscope.TxOptions) (txscope.Tx, error) {
	*c.seen = opts
	return c.Conn.Begin(ctx, opts)
}
