package logging

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"go.opentelemetry.io/otel/trace"
)

// Component bundles the Kratos-compatible logger.
type Component struct {
	Logger log.Logger
}

// NewComponent builds the process logger: JSON or kratos text output,
// trace/span ids from the context, and a level filter.
func NewComponent(cfg Config) (*Component, func(), error) {
	sanitized, err := cfg.Sanitize()
	if err != nil {
		return nil, nil, err
	}

	var base log.Logger
	keyvals := []any{
		traceKey, TraceID(),
		spanKey, SpanID(),
	}
	if sanitized.Format == FormatText {
		base = log.NewStdLogger(sanitized.Writer)
		keyvals = append([]any{
			"ts", log.DefaultTimestamp,
			"service", sanitized.Service,
			"version", sanitized.Version,
		}, keyvals...)
	} else {
		base = NewJSONLogger(sanitized)
	}
	if sanitized.EnableCaller {
		keyvals = append(keyvals, callerKey, log.Caller(5))
	}

	logger := log.NewFilter(log.With(base, keyvals...), log.FilterLevel(log.ParseLevel(sanitized.Level)))
	return &Component{Logger: logger}, func() {}, nil
}

// TraceID returns a valuer yielding the trace id of the span in the context.
func TraceID() log.Valuer {
	return func(ctx context.Context) any {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			return sc.TraceID().String()
		}
		return ""
	}
}

// SpanID returns a valuer yielding the span id of the span in the context.
func SpanID() log.Valuer {
	return func(ctx context.Context) any {
		if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
			return sc.SpanID().String()
		}
		return ""
	}
}

// ProvideLogger exposes the structured logger for injection.
func ProvideLogger(comp *Component) log.Logger {
	return comp.Logger
}

// ProvideHelper exposes a log.Helper built atop the structured logger.
func ProvideHelper(comp *Component) *log.Helper {
	return log.NewHelper(comp.Logger)
}

// ProviderSet wires the logging component for Wire-based injection.
var ProviderSet = wire.NewSet(NewComponent, ProvideLogger, ProvideHelper)
