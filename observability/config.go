package observability

import (
	"fmt"
	"time"
)

// Exporter identifiers.
const (
	ExporterOTLPgRPC = "otlp_grpc"
	ExporterStdout   = "stdout"
)

// Config aggregates tracing and metrics configuration.
type Config struct {
	Tracing          TracingConfig     `json:"tracing" yaml:"tracing"`
	Metrics          MetricsConfig     `json:"metrics" yaml:"metrics"`
	GlobalAttributes map[string]string `json:"globalAttributes" yaml:"globalAttributes"`
}

// TracingConfig controls tracer provider initialization.
type TracingConfig struct {
	Enabled            bool              `json:"enabled" yaml:"enabled"`
	Exporter           string            `json:"exporter" yaml:"exporter"`
	Endpoint           string            `json:"endpoint" yaml:"endpoint"`
	Headers            map[string]string `json:"headers" yaml:"headers"`
	Insecure           bool              `json:"insecure" yaml:"insecure"`
	SamplingRatio      float64           `json:"samplingRatio" yaml:"samplingRatio"`
	Attributes         map[string]string `json:"attributes" yaml:"attributes"`
	BatchTimeout       time.Duration     `json:"batchTimeout" yaml:"batchTimeout"`
	ExportTimeout      time.Duration     `json:"exportTimeout" yaml:"exportTimeout"`
	MaxQueueSize       int               `json:"maxQueueSize" yaml:"maxQueueSize"`
	MaxExportBatchSize int               `json:"maxExportBatchSize" yaml:"maxExportBatchSize"`
	Retry              RetryConfig       `json:"retry" yaml:"retry"`
	// Required turns an exporter setup failure into an Init error instead of
	// a warning.
	Required bool `json:"required" yaml:"required"`
}

// RetryConfig bounds the exponential backoff of the OTLP span uploader.
type RetryConfig struct {
	InitialInterval time.Duration `json:"initialInterval" yaml:"initialInterval"`
	MaxInterval     time.Duration `json:"maxInterval" yaml:"maxInterval"`
	MaxElapsed      time.Duration `json:"maxElapsed" yaml:"maxElapsed"`
}

// MetricsConfig controls meter provider initialization.
type MetricsConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	Exporter            string            `json:"exporter" yaml:"exporter"`
	Endpoint            string            `json:"endpoint" yaml:"endpoint"`
	Headers             map[string]string `json:"headers" yaml:"headers"`
	Insecure            bool              `json:"insecure" yaml:"insecure"`
	Interval            time.Duration     `json:"interval" yaml:"interval"`
	ResourceAttributes  map[string]string `json:"resourceAttributes" yaml:"resourceAttributes"`
	DisableRuntimeStats bool              `json:"disableRuntimeStats" yaml:"disableRuntimeStats"`
	Required            bool              `json:"required" yaml:"required"`
}

// Sanitize fills defaults and rejects unknown exporters. Disabled sections
// are returned untouched.
func (c Config) Sanitize() (Config, error) {
	cfg := c
	if cfg.Tracing.Enabled {
		tr := cfg.Tracing
		if tr.Exporter == "" {
			tr.Exporter = ExporterOTLPgRPC
		}
		if !knownExporter(tr.Exporter) {
			return Config{}, fmt.Errorf("observability: unsupported tracing exporter %q", tr.Exporter)
		}
		if tr.SamplingRatio <= 0 || tr.SamplingRatio > 1 {
			tr.SamplingRatio = 1.0
		}
		if tr.BatchTimeout <= 0 {
			tr.BatchTimeout = 5 * time.Second
		}
		if tr.ExportTimeout <= 0 {
			tr.ExportTimeout = 10 * time.Second
		}
		if tr.MaxQueueSize <= 0 {
			tr.MaxQueueSize = 2048
		}
		if tr.MaxExportBatchSize <= 0 || tr.MaxExportBatchSize > tr.MaxQueueSize {
			tr.MaxExportBatchSize = min(512, tr.MaxQueueSize)
		}
		if tr.Retry.InitialInterval <= 0 {
			tr.Retry.InitialInterval = 5 * time.Second
		}
		if tr.Retry.MaxInterval < tr.Retry.InitialInterval {
			tr.Retry.MaxInterval = max(30*time.Second, tr.Retry.InitialInterval)
		}
		if tr.Retry.MaxElapsed <= 0 {
			tr.Retry.MaxElapsed = time.Minute
		}
		cfg.Tracing = tr
	}

	if cfg.Metrics.Enabled {
		mt := cfg.Metrics
		if mt.Exporter == "" {
			mt.Exporter = ExporterOTLPgRPC
		}
		if !knownExporter(mt.Exporter) {
			return Config{}, fmt.Errorf("observability: unsupported metrics exporter %q", mt.Exporter)
		}
		if mt.Interval <= 0 {
			mt.Interval = 60 * time.Second
		}
		cfg.Metrics = mt
	}
	return cfg, nil
}

func knownExporter(name string) bool {
	return name == ExporterOTLPgRPC || name == ExporterStdout
}
