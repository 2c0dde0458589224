package pgxpoolx

import (
	"context"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProvideComponent builds a Component using the shared logger and default
// dependencies.
func ProvideComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	return NewComponent(ctx, cfg, Dependencies{Logger: logger})
}

// ProvidePool exposes the constructed pgxpool.Pool for downstream injection.
func ProvidePool(component *Component) *pgxpool.Pool {
	if component == nil {
		return nil
	}
	return component.Pool
}

// ProvideDriver exposes the component's Driver as a txscope.Driver.
func ProvideDriver(component *Component) txscope.Driver {
	if component == nil {
		return nil
	}
	return component.Driver
}

// ProviderSet wires the pool, its driver and the pool output.
var ProviderSet = wire.NewSet(ProvideComponent, ProvidePool, ProvideDriver)
