package sqlconn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Supported driver names.
const (
	Postgres  = "postgres"
	MySQL     = "mysql"
	SQLServer = "sqlserver"
)

const (
	defaultPingTimeout     = 5 * time.Second
	defaultStartupAttempts = 1
	defaultStartupInterval = 500 * time.Millisecond
)

// Config describes a database/sql connection pool.
type Config struct {
	Driver             string        `json:"driver" yaml:"driver"`
	DSN                string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns       int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns       int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime    time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `json:"connMaxIdleTime" yaml:"connMaxIdleTime"`
	PingTimeout        time.Duration `json:"pingTimeout" yaml:"pingTimeout"`
	StartupAttempts    int           `json:"startupAttempts" yaml:"startupAttempts"`
	StartupMaxInterval time.Duration `json:"startupMaxInterval" yaml:"startupMaxInterval"`
}

// Sanitize validates cfg and fills defaults. Driver defaults to postgres;
// "postgresql" and "mssql" are accepted as aliases.
func (c Config) Sanitize() (Config, error) {
	s := c
	s.DSN = strings.TrimSpace(c.DSN)
	if s.DSN == "" {
		return Config{}, errors.New("sqlconn: dsn is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", Postgres, "postgresql", "pgx":
		s.Driver = Postgres
	case MySQL:
		s.Driver = MySQL
	case SQLServer, "mssql":
		s.Driver = SQLServer
	default:
		return Config{}, fmt.Errorf("sqlconn: unsupported driver %q", c.Driver)
	}

	if s.PingTimeout <= 0 {
		s.PingTimeout = defaultPingTimeout
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = defaultStartupAttempts
	}
	if s.StartupMaxInterval <= 0 {
		s.StartupMaxInterval = 8 * defaultStartupInterval
	}
	if s.MaxIdleConns < 0 {
		s.MaxIdleConns = 0
	}
	return s, nil
}
