package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvBackend             = "DBSCOPE_BACKEND"
	EnvDSN                 = "DBSCOPE_DSN"
	EnvSQLDriver           = "DBSCOPE_SQL_DRIVER"
	EnvLogLevel            = "DBSCOPE_LOG_LEVEL"
	EnvLogFormat           = "DBSCOPE_LOG_FORMAT"
	EnvIsolation           = "DBSCOPE_ISOLATION"
	EnvLockTimeout         = "DBSCOPE_LOCK_TIMEOUT"
	EnvCoordinatorEndpoint = "DBSCOPE_COORDINATOR_ENDPOINT"
	EnvOTLPEndpoint        = "DBSCOPE_OTLP_ENDPOINT"
	EnvEnvironment         = "DBSCOPE_ENV"
)

// Load reads the YAML file at path (skipped when path is empty), then the
// environment, then validates. envFiles are loaded into the process
// environment first without overriding variables already set; with none
// given ".env" is tried, and a missing .env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvBackend); ok {
		cfg.Backend = v
	}
	if v, ok := os.LookupEnv(EnvSQLDriver); ok {
		cfg.SQL.Driver = v
	}
	if v, ok := os.LookupEnv(EnvDSN); ok {
		// Both sections get it; only the selected backend reads its own.
		cfg.Postgres.DSN = v
		cfg.SQL.DSN = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogFormat); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv(EnvEnvironment); ok {
		cfg.Logging.Environment = v
	}
	if v, ok := os.LookupEnv(EnvIsolation); ok {
		cfg.Scope.DefaultIsolation = v
	}
	if v, ok := os.LookupEnv(EnvLockTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvLockTimeout, err)
		}
		cfg.Scope.LockTimeout = d
	}
	if v, ok := os.LookupEnv(EnvCoordinatorEndpoint); ok {
		cfg.Scope.CoordinatorEndpoint = v
	}
	if v, ok := os.LookupEnv(EnvOTLPEndpoint); ok {
		cfg.Observability.Tracing.Endpoint = v
		cfg.Observability.Metrics.Endpoint = v
	}
	return nil
}
