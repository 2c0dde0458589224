package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// exportLogger reports exporter diagnostics through the service logger and
// doubles as the global otel error handler.
type exportLogger struct {
	helper *log.Helper

	mu       sync.Mutex
	failures int
	lastCode codes.Code
}

// loggedError marks an error the exportLogger already reported so the global
// handler does not print it twice.
type loggedError struct{ err error }

func (e *loggedError) Error() string { return e.err.Error() }
func (e *loggedError) Unwrap() error { return e.err }

func newExportLogger(logger log.Logger) *exportLogger {
	return &exportLogger{helper: log.NewHelper(logger)}
}

func (l *exportLogger) note(attempt int, code codes.Code) {
	l.mu.Lock()
	l.failures = attempt
	l.lastCode = code
	l.mu.Unlock()
}

func (l *exportLogger) retrying(err error, attempt int, delay time.Duration, code codes.Code) {
	l.note(attempt, code)
	l.helper.Warnw(
		"msg", "otel exporter retry scheduled",
		"attempt", attempt,
		"grpc_code", code.String(),
		"next_backoff", delay,
		"error", err,
	)
}

func (l *exportLogger) failed(err error, attempt int, code codes.Code) error {
	l.note(attempt, code)
	l.helper.Errorw(
		"msg", "otel exporter gave up",
		"attempt", attempt,
		"grpc_code", code.String(),
		"error", err,
	)
	return &loggedError{err: err}
}

func (l *exportLogger) recovered(spans, retries int, elapsed time.Duration) {
	l.mu.Lock()
	hadFailures := l.failures > 0
	prev := l.lastCode
	l.failures = 0
	l.lastCode = codes.OK
	l.mu.Unlock()
	if !hadFailures && retries == 0 {
		return
	}
	l.helper.Infow(
		"msg", "otel exporter recovered",
		"retries", retries,
		"duration", elapsed,
		"span_count", spans,
		"last_grpc_code", prev.String(),
	)
}

func (l *exportLogger) handle(err error) {
	if err == nil {
		return
	}
	var logged *loggedError
	if errors.As(err, &logged) {
		return
	}
	if st, ok := status.FromError(err); ok {
		l.helper.Errorw("msg", "otel error", "grpc_code", st.Code().String(), "error", err)
		return
	}
	l.helper.Errorw("msg", "otel error", "error", err)
}
