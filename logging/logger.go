package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	traceKey  = "trace_id"
	spanKey   = "span_id"
	callerKey = "caller"
	errorKey  = "error"
)

var defaultLabelKeys = []string{"kind", "component", "operation", "db.system"}

// JSONLogger implements log.Logger and writes one JSON object per entry.
// Keys registered as labels are grouped under "labels"; every other key
// lands in "fields".
type JSONLogger struct {
	w            io.Writer
	mu           sync.Mutex
	service      serviceContext
	staticLabels map[string]string
	labelKeys    map[string]struct{}
	now          func() time.Time
}

// NewJSONLogger builds a JSON logger for cfg. cfg must be sanitized.
func NewJSONLogger(cfg Config) *JSONLogger {
	labelKeys := make(map[string]struct{}, len(defaultLabelKeys)+len(cfg.LabelKeys))
	for _, k := range defaultLabelKeys {
		labelKeys[k] = struct{}{}
	}
	for _, k := range cfg.LabelKeys {
		if k = strings.TrimSpace(k); k != "" {
			labelKeys[k] = struct{}{}
		}
	}
	static := make(map[string]string, len(cfg.StaticLabels)+1)
	for k, v := range cfg.StaticLabels {
		if k != "" {
			static[k] = v
		}
	}
	if cfg.InstanceID != "" {
		static["instance_id"] = cfg.InstanceID
	}
	return &JSONLogger{
		w: cfg.Writer,
		service: serviceContext{
			Service:     cfg.Service,
			Version:     cfg.Version,
			Environment: cfg.Environment,
		},
		staticLabels: static,
		labelKeys:    labelKeys,
		now:          time.Now,
	}
}

// Log implements the Kratos log.Logger interface.
func (l *JSONLogger) Log(level log.Level, keyvals ...any) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, nil)
	}

	entry := logEntry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Severity:  severityFromLevel(level),
		Service:   l.service,
	}
	var labels map[string]string
	var fields map[string]any

	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		val := keyvals[i+1]
		switch key {
		case log.DefaultMessageKey:
			entry.Message = fmt.Sprint(val)
		case traceKey:
			entry.TraceID, _ = val.(string)
		case spanKey:
			entry.SpanID, _ = val.(string)
		case callerKey:
			entry.Caller = fmt.Sprint(val)
		default:
			if _, isLabel := l.labelKeys[key]; isLabel {
				if labels == nil {
					labels = make(map[string]string)
				}
				labels[key] = fmt.Sprint(val)
				continue
			}
			if fields == nil {
				fields = make(map[string]any)
			}
			if err, isErr := val.(error); isErr {
				val = err.Error()
			}
			fields[key] = val
		}
	}

	if entry.Message == "" {
		entry.Message = "<no message>"
	}
	if len(l.staticLabels) > 0 || len(labels) > 0 {
		entry.Labels = make(map[string]string, len(l.staticLabels)+len(labels))
		for k, v := range l.staticLabels {
			entry.Labels[k] = v
		}
		for k, v := range labels {
			entry.Labels[k] = v
		}
	}
	entry.Fields = fields

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("logging: encode entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

func severityFromLevel(level log.Level) string {
	switch level {
	case log.LevelDebug:
		return "DEBUG"
	case log.LevelWarn:
		return "WARNING"
	case log.LevelError:
		return "ERROR"
	case log.LevelFatal:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

type logEntry struct {
	Timestamp string            `json:"timestamp"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Service   serviceContext    `json:"serviceContext"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
	Caller    string            `json:"caller,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

type serviceContext struct {
	Service     string `json:"service"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
}
