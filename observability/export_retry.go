package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	errdetails "google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryingClient wraps the OTLP gRPC client with an exponential backoff that
// honours server throttling hints and logs every retry and recovery.
type retryingClient struct {
	delegate otlptrace.Client
	log      *exportLogger
	cfg      RetryConfig
}

func newRetryingExporter(ctx context.Context, cfg RetryConfig, exportLog *exportLogger, clientOpts ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
	// Built-in retry off; retryingClient owns the schedule.
	clientOpts = append(clientOpts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: false}))
	client := &retryingClient{
		delegate: otlptracegrpc.NewClient(clientOpts...),
		log:      exportLog,
		cfg:      cfg,
	}
	return otlptrace.New(ctx, client)
}

func (c *retryingClient) Start(ctx context.Context) error { return c.delegate.Start(ctx) }

func (c *retryingClient) Stop(ctx context.Context) error { return c.delegate.Stop(ctx) }

func (c *retryingClient) UploadTraces(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	start := time.Now()
	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = c.cfg.InitialInterval
	seq.MaxInterval = c.cfg.MaxInterval
	seq.Reset()

	for attempt := 1; ; attempt++ {
		err := c.delegate.UploadTraces(ctx, spans)
		if err == nil {
			c.log.recovered(countSpans(spans), attempt-1, time.Since(start))
			return nil
		}

		retryable, code, throttle := ClassifyExportError(err)
		if !retryable {
			return c.log.failed(err, attempt, code)
		}

		delay := seq.NextBackOff()
		if delay == backoff.Stop {
			delay = seq.MaxInterval
		}
		delay = max(delay, throttle)
		if c.cfg.MaxElapsed > 0 && time.Since(start)+delay > c.cfg.MaxElapsed {
			return c.log.failed(fmt.Errorf("otel exporter max retry time would elapse: %w", err), attempt, code)
		}
		c.log.retrying(err, attempt, delay, code)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.log.failed(fmt.Errorf("otel exporter retry aborted: %w", context.Cause(ctx)), attempt, codes.Canceled)
		case <-timer.C:
		}
	}
}

// ClassifyExportError reports whether an OTLP upload error is worth
// retrying, its gRPC code and the delay requested by the server, if any.
func ClassifyExportError(err error) (retryable bool, code codes.Code, throttle time.Duration) {
	if err == nil {
		return false, codes.OK, 0
	}
	st, ok := status.FromError(err)
	if !ok {
		return false, codes.Unknown, 0
	}
	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded, codes.Aborted, codes.OutOfRange,
		codes.Unavailable, codes.DataLoss, codes.ResourceExhausted:
		return true, st.Code(), retryDelay(st)
	default:
		return false, st.Code(), 0
	}
}

func retryDelay(st *status.Status) time.Duration {
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.RetryDelay != nil {
			return info.RetryDelay.AsDuration()
		}
	}
	return 0
}

func countSpans(batches []*tracepb.ResourceSpans) int {
	total := 0
	for _, rs := range batches {
		for _, ss := range rs.GetScopeSpans() {
			total += len(ss.GetSpans())
		}
	}
	return total
}
