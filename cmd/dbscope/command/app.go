package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/bionicotaku/lingo-dbscope/config"
	"github.com/bionicotaku/lingo-dbscope/logging"
	"github.com/bionicotaku/lingo-dbscope/observability"
	"github.com/bionicotaku/lingo-dbscope/pgxpoolx"
	"github.com/bionicotaku/lingo-dbscope/sqlconn"
	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/go-kratos/kratos/v2/log"
)

// app is the assembled process: logger, telemetry, connection backend and
// the scope manager on top of it.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	helper   *log.Helper
	mgr      *txscope.Manager
	dialect  string
	cleanups []func()
}

func newApp(ctx context.Context, opts *rootOptions) (a *app, err error) {
	cfg, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	logComp, cleanup, err := logging.NewComponent(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a.push(cleanup)
	a.logger = logComp.Logger
	a.helper = log.NewHelper(a.logger)

	_, cleanup, err = observability.NewComponent(ctx, cfg.Observability, observability.ServiceInfo{
		Name:        cfg.Logging.Service,
		Version:     cfg.Logging.Version,
		Environment: cfg.Logging.Environment,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.push(cleanup)

	var driver txscope.Driver
	switch cfg.Backend {
	case config.BackendSQL:
		comp, cleanup, err := sqlconn.ProvideComponent(ctx, cfg.SQL, a.logger)
		if err != nil {
			return nil, err
		}
		a.push(cleanup)
		driver = sqlconn.ProvideDriver(comp)
		a.dialect = comp.Driver.Dialect()
	default:
		comp, cleanup, err := pgxpoolx.ProvideComponent(ctx, cfg.Postgres, a.logger)
		if err != nil {
			return nil, err
		}
		a.push(cleanup)
		driver = pgxpoolx.ProvideDriver(comp)
		a.dialect = sqlconn.Postgres
	}

	scopeComp, cleanup, err := txscope.NewComponent(cfg.Scope, driver, a.logger)
	if err != nil {
		return nil, err
	}
	a.push(cleanup)
	a.mgr = txscope.ProvideManager(scopeComp)
	return a, nil
}

func (a *app) push(cleanup func()) {
	if cleanup != nil {
		a.cleanups = append(a.cleanups, cleanup)
	}
}

// close runs the cleanups in reverse construction order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

var errNeedsPostgres = errors.New("this command needs a Postgres backend (backend: pgx, or backend: sql with driver postgres)")

func (a *app) requirePostgres() error {
	if a.dialect != sqlconn.Postgres {
		return errNeedsPostgres
	}
	return nil
}

// schema is where the demo tables live.
func (a *app) schema() string {
	if a.cfg.Postgres.Schema != "" {
		return a.cfg.Postgres.Schema
	}
	return "dbscope_demo"
}
