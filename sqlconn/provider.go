package sqlconn

import (
	"context"
	"database/sql"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProvideComponent builds a Component for Wire.
func ProvideComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	return NewComponent(ctx, cfg, logger)
}

// ProvideDB exposes the pool.
func ProvideDB(comp *Component) *sql.DB {
	if comp == nil {
		return nil
	}
	return comp.DB
}

// ProvideDriver exposes the component's Driver as a txscope.Driver.
func ProvideDriver(comp *Component) txscope.Driver {
	if comp == nil {
		return nil
	}
	return comp.Driver
}

// ProviderSet wires the database/sql pool and its driver.
var ProviderSet = wire.NewSet(ProvideComponent, ProvideDB, ProvideDriver)
