package observability

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func initTracing(ctx context.Context, cfg TracingConfig, res *resource.Resource, o initOptions) (func(context.Context) error, error) {
	exportLog := newExportLogger(o.logger)
	exporter, err := newSpanExporter(ctx, cfg, exportLog, o)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		),
	)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(exportLog.handle))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(o.propagator)

	helper := log.NewHelper(o.logger)
	helper.Infof("tracing initialized exporter=%s endpoint=%s ratio=%.2f", cfg.Exporter, cfg.Endpoint, cfg.SamplingRatio)
	return func(ctx context.Context) error {
		helper.Info("shutting down tracing provider")
		return tp.Shutdown(ctx)
	}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig, exportLog *exportLogger, o initOptions) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPgRPC:
		var clientOpts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		clientOpts = append(clientOpts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		return newRetryingExporter(ctx, cfg.Retry, exportLog, clientOpts...)
	case ExporterStdout:
		if o.writer != nil {
			return stdouttrace.New(stdouttrace.WithWriter(o.writer))
		}
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}
