package observability

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

func initMetrics(ctx context.Context, cfg MetricsConfig, res *resource.Resource, o initOptions) (func(context.Context) error, error) {
	exporter, err := newMetricExporter(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.Interval))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	helper := log.NewHelper(o.logger)
	if !cfg.DisableRuntimeStats {
		if err := runtime.Start(
			runtime.WithMeterProvider(mp),
			runtime.WithMinimumReadMemStatsInterval(cfg.Interval),
		); err != nil {
			helper.Warnf("failed to start runtime metrics instrumentation: %v", err)
		}
	}

	helper.Infof("metrics initialized exporter=%s endpoint=%s interval=%s", cfg.Exporter, cfg.Endpoint, cfg.Interval)
	return func(ctx context.Context) error {
		helper.Info("shutting down metrics provider")
		return mp.Shutdown(ctx)
	}, nil
}

func newMetricExporter(ctx context.Context, cfg MetricsConfig, o initOptions) (metric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPgRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterStdout:
		if o.writer != nil {
			return stdoutmetric.New(stdoutmetric.WithWriter(o.writer))
		}
		return stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported metrics exporter %q", cfg.Exporter)
	}
}
