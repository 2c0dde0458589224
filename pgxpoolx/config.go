package pgxpoolx

import (
	"errors"
	"strings"
	"time"
)

const (
	defaultHealthCheckTimeout = 5 * time.Second
	defaultStartupAttempts    = 1
	defaultStartupInterval    = 500 * time.Millisecond
	defaultSlowQuery          = 500 * time.Millisecond
)

var defaultSearchPath = []string{"public"}

// Config captures PostgreSQL pool settings used by the physical connection
// driver. Only DSN is mandatory; zero values fall back to defaults.
type Config struct {
	DSN                string        `json:"dsn" yaml:"dsn"`
	MaxConns           int32         `json:"maxConns" yaml:"maxConns"`
	MinConns           int32         `json:"minConns" yaml:"minConns"`
	MaxConnLifetime    time.Duration `json:"maxConnLifetime" yaml:"maxConnLifetime"`
	MaxConnIdleTime    time.Duration `json:"maxConnIdleTime" yaml:"maxConnIdleTime"`
	HealthCheckPeriod  time.Duration `json:"healthCheckPeriod" yaml:"healthCheckPeriod"`
	HealthCheckTimeout time.Duration `json:"healthCheckTimeout" yaml:"healthCheckTimeout"`
	// StartupAttempts bounds how many times the initial ping is tried while
	// the database is still coming up.
	StartupAttempts    int           `json:"startupAttempts" yaml:"startupAttempts"`
	StartupMaxInterval time.Duration `json:"startupMaxInterval" yaml:"startupMaxInterval"`
	// SlowQueryThreshold makes the query tracer log statements slower than
	// it. Negative disables slow query logging.
	SlowQueryThreshold time.Duration `json:"slowQueryThreshold" yaml:"slowQueryThreshold"`
	Schema             string        `json:"schema" yaml:"schema"`
	SearchPath         []string      `json:"searchPath" yaml:"searchPath"`
	EnablePreparedStmt *bool         `json:"enablePreparedStmt" yaml:"enablePreparedStmt"`
	MetricsEnabled     *bool         `json:"metricsEnabled" yaml:"metricsEnabled"`
}

// Sanitize validates mandatory fields and applies default values. It returns
// a new Config, leaving the receiver untouched.
func (c Config) Sanitize() (Config, error) {
	if strings.TrimSpace(c.DSN) == "" {
		return Config{}, errors.New("pgxpoolx: dsn is required")
	}

	s := c
	s.DSN = strings.TrimSpace(c.DSN)

	if s.HealthCheckTimeout <= 0 {
		s.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = defaultStartupAttempts
	}
	if s.StartupMaxInterval <= 0 {
		s.StartupMaxInterval = 8 * defaultStartupInterval
	}
	if s.SlowQueryThreshold < 0 {
		s.SlowQueryThreshold = 0
	} else if s.SlowQueryThreshold == 0 {
		s.SlowQueryThreshold = defaultSlowQuery
	}

	if len(s.SearchPath) == 0 {
		if schema := strings.TrimSpace(s.Schema); schema != "" {
			s.SearchPath = []string{schema, defaultSearchPath[0]}
		} else {
			s.SearchPath = append([]string{}, defaultSearchPath...)
		}
	}

	if s.EnablePreparedStmt == nil {
		s.EnablePreparedStmt = boolPtr(false)
	}
	if s.MetricsEnabled == nil {
		s.MetricsEnabled = boolPtr(false)
	}
	return s, nil
}

func (c Config) PreparedStatementsEnabled() bool {
	return c.EnablePreparedStmt != nil && *c.EnablePreparedStmt
}

func (c Config) MetricsEnabledValue() bool {
	return c.MetricsEnabled != nil && *c.MetricsEnabled
}

func boolPtr(v bool) *bool {
	return &v
}
