package sqlconn_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/bionicotaku/lingo-dbscope/sqlconn"
	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComponentUnreachable(t *testing.T) {
	cfg := sqlconn.Config{
		Driver:      sqlconn.Postgres,
		DSN:         "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1",
		PingTimeout: 200 * time.Millisecond,
	}
	comp, cleanup, err := sqlconn.NewComponent(context.Background(), cfg, log.NewStdLogger(io.Discard))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlconn: ping")
	assert.Nil(t, comp)
	assert.Nil(t, cleanup)
}

func TestNewComponentInvalidConfig(t *testing.T) {
	_, _, err := sqlconn.NewComponent(context.Background(), sqlconn.Config{Driver: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestProvideNilComponent(t *testing.T) {
	assert.Nil(t, sqlconn.ProvideDB(nil))
	assert.Nil(t, sqlconn.ProvideDriver(nil))
}

// TestPostgresScopeSharesConnection runs against TEST_DATABASE_URL through lib/pq.
func TestPostgresScopeSharesConnection(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}
	comp, cleanup, err := sqlconn.NewComponent(context.Background(), sqlconn.Config{DSN: dsn}, log.NewStdLogger(io.Discard))
	require.NoError(t, err)
	defer cleanup()

	mgr, err := txscope.NewManager(comp.Driver, txscope.Config{LockTimeout: time.Second})
	require.NoError(t, err)

	pids := map[int]struct{}{}
	err = mgr.Within(context.Background(), txscope.TxOptions{}, func(ctx context.Context) error {
		return mgr.Scope(ctx, func(ctx context.Context) error {
			for i := 0; i < 3; i++ {
				var pid int
				if err := mgr.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
					return q.QueryRow(ctx, "SELECT pg_backend_pid()").Scan(&pid)
				}); err != nil {
					return err
				}
				pids[pid] = struct{}{}
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, pids, 1)

	err = mgr.Within(context.Background(), txscope.TxOptions{}, func(ctx context.Context) error {
		for i := 0; i < 2; i++ {
			if err := mgr.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
				_, err := q.Exec(ctx, "SELECT 1")
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
	assert.True(t, errors.Is(err, txscope.ErrCoordinatorUnavailable))
	assert.Zero(t, mgr.Stats().Active)
}
