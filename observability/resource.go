package observability

import (
	"context"
	"errors"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// BuildResource assembles the resource describing the running process from
// cfg and the service overrides in opts.
func BuildResource(ctx context.Context, cfg Config, opts ...Option) (*resource.Resource, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	return buildResource(ctx, cfg, applyOptions(opts))
}

func buildResource(ctx context.Context, cfg Config, o initOptions) (*resource.Resource, error) {
	var attrs []attribute.KeyValue
	if o.serviceName != "" {
		attrs = append(attrs, semconv.ServiceNameKey.String(o.serviceName))
	}
	if o.serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(o.serviceVersion))
	}
	if o.environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(o.environment))
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		attrs = append(attrs, semconv.HostNameKey.String(hostname))
	}

	// Later maps win on duplicate keys.
	for _, m := range []map[string]string{
		cfg.GlobalAttributes,
		cfg.Tracing.Attributes,
		cfg.Metrics.ResourceAttributes,
		o.attributes,
	} {
		for k, v := range m {
			attrs = append(attrs, attribute.String(k, v))
		}
	}

	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
}
