package txscope

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"go.opentelemetry.io/otel"
)

// Component wraps the constructed Manager and aligns with the component
// pattern used by the other packages (logging, pgxpoolx, observability).
type Component struct {
	Manager *Manager
}

// NewComponent builds a scope manager on top of driver. The cleanup no-ops:
// connections are owned by scopes and boundaries, the pool by its own
// component.
func NewComponent(cfg Config, driver Driver, logger log.Logger, opts ...Option) (*Component, func(), error) {
	sanitized := cfg.sanitized()

	defaultOpts := []Option{
		WithMeter(otel.GetMeterProvider().Meter(sanitized.MeterName)),
		WithTracer(otel.Tracer(sanitized.MeterName)),
		WithLogger(logger),
	}
	manager, err := NewManager(driver, cfg, append(defaultOpts, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return &Component{Manager: manager}, func() {}, nil
}

// ProvideManager exposes the Manager for Wire injection.
func ProvideManager(comp *Component) *Manager {
	return comp.Manager
}

// ProviderSet collects constructors for Wire integration.
var ProviderSet = wire.NewSet(NewComponent, ProvideManager)
