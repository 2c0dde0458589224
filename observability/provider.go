package observability

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

const defaultShutdownTimeout = 5 * time.Second

// ServiceInfo carries metadata used to annotate telemetry resources.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
}

// Component wraps the initialized telemetry providers and exposes shutdown hooks.
type Component struct {
	shutdown func(context.Context) error
	logger   log.Logger
}

// NewComponent installs tracing and metrics providers according to cfg. The
// returned cleanup flushes buffered telemetry with a bounded timeout.
func NewComponent(ctx context.Context, cfg Config, info ServiceInfo, logger log.Logger) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	shutdown, err := Init(ctx, cfg,
		WithLogger(logger),
		WithServiceName(info.Name),
		WithServiceVersion(info.Version),
		WithEnvironment(info.Environment),
	)
	if err != nil {
		return nil, nil, err
	}

	comp := &Component{shutdown: shutdown, logger: logger}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := comp.Shutdown(shutdownCtx); err != nil {
			log.NewHelper(comp.logger).Warnf("shutdown observability: %v", err)
		}
	}
	return comp, cleanup, nil
}

// Shutdown flushes telemetry using the supplied context.
func (c *Component) Shutdown(ctx context.Context) error {
	if c == nil || c.shutdown == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.shutdown(ctx)
}

// ProviderSet wires the observability component for use with Wire.
var ProviderSet = wire.NewSet(NewComponent)
