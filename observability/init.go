// Package observability installs the global OpenTelemetry tracer and meter
// providers that the scope manager and the connection components report to.
package observability

import (
	"context"
	"errors"
	"io"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/propagation"
)

// Option customizes Init.
type Option func(*initOptions)

type initOptions struct {
	logger         log.Logger
	propagator     propagation.TextMapPropagator
	serviceName    string
	serviceVersion string
	environment    string
	attributes     map[string]string
	writer         io.Writer
}

func applyOptions(opts []Option) initOptions {
	o := initOptions{
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger for diagnostics. Init requires one.
func WithLogger(logger log.Logger) Option {
	return func(o *initOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPropagator overrides the default W3C TraceContext + Baggage propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *initOptions) {
		if p != nil {
			o.propagator = p
		}
	}
}

// WithServiceName sets the service.name attribute.
func WithServiceName(name string) Option {
	return func(o *initOptions) { o.serviceName = name }
}

// WithServiceVersion sets the service.version attribute.
func WithServiceVersion(version string) Option {
	return func(o *initOptions) { o.serviceVersion = version }
}

// WithEnvironment sets the deployment.environment attribute.
func WithEnvironment(env string) Option {
	return func(o *initOptions) { o.environment = env }
}

// WithAttributes appends extra resource attributes.
func WithAttributes(attrs map[string]string) Option {
	return func(o *initOptions) {
		if len(attrs) == 0 {
			return
		}
		if o.attributes == nil {
			o.attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			o.attributes[k] = v
		}
	}
}

// WithWriter redirects the stdout exporters.
func WithWriter(w io.Writer) Option {
	return func(o *initOptions) { o.writer = w }
}

// Init installs the tracer and meter providers enabled in cfg and returns a
// shutdown function flushing them in reverse order. A provider that fails to
// start is skipped with a warning unless its section is Required.
func Init(ctx context.Context, cfg Config, opts ...Option) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	o := applyOptions(opts)
	if o.logger == nil {
		return nil, errors.New("observability: logger is required (use observability.WithLogger)")
	}
	cfg, err := cfg.Sanitize()
	if err != nil {
		return nil, err
	}
	res, err := buildResource(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	helper := log.NewHelper(o.logger)
	var shutdowns []func(context.Context) error

	if cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, cfg.Tracing, res, o)
		switch {
		case err != nil && cfg.Tracing.Required:
			return nil, err
		case err != nil:
			helper.Warnf("tracing disabled due to initialization error: %v", err)
		default:
			shutdowns = append(shutdowns, shutdown)
		}
	}

	if cfg.Metrics.Enabled {
		shutdown, err := initMetrics(ctx, cfg.Metrics, res, o)
		switch {
		case err != nil && cfg.Metrics.Required:
			return nil, errors.Join(err, shutdownAll(ctx, shutdowns))
		case err != nil:
			helper.Warnf("metrics disabled due to initialization error: %v", err)
		default:
			shutdowns = append(shutdowns, shutdown)
		}
	}

	return func(ctx context.Context) error {
		return shutdownAll(ctx, shutdowns)
	}, nil
}

func shutdownAll(ctx context.Context, shutdowns []func(context.Context) error) error {
	var errs []error
	for i := len(shutdowns) - 1; i >= 0; i-- {
		if err := shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
