// Package config loads the dbscope application file: a YAML document with
// one section per component, overridable through DBSCOPE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bionicotaku/lingo-dbscope/logging"
	"github.com/bionicotaku/lingo-dbscope/observability"
	"github.com/bionicotaku/lingo-dbscope/pgxpoolx"
	"github.com/bionicotaku/lingo-dbscope/sqlconn"
	"github.com/bionicotaku/lingo-dbscope/txscope"
)

// Backends a Manager can open connections through.
const (
	BackendPgx = "pgx"
	BackendSQL = "sql"
)

const defaultService = "lingo-dbscope"

// Config is the whole application configuration.
type Config struct {
	// Backend selects the connection driver: "pgx" (pgxpool, Postgres) or
	// "sql" (database/sql with the driver named in SQL.Driver).
	Backend       string               `json:"backend" yaml:"backend"`
	Logging       logging.Config       `json:"logging" yaml:"logging"`
	Observability observability.Config `json:"observability" yaml:"observability"`
	Scope         txscope.Config       `json:"scope" yaml:"scope"`
	Postgres      pgxpoolx.Config      `json:"postgres" yaml:"postgres"`
	SQL           sqlconn.Config       `json:"sql" yaml:"sql"`
}

// DSN returns the data source name of the selected backend.
func (c *Config) DSN() string {
	if c.Backend == BackendSQL {
		return c.SQL.DSN
	}
	return c.Postgres.DSN
}

// Validate fills the application defaults and checks every section the
// selected backend will use.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "":
		c.Backend = BackendPgx
	case BackendPgx, BackendSQL:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if strings.TrimSpace(c.Logging.Service) == "" {
		c.Logging.Service = defaultService
	}

	var errs []error
	if _, err := c.Logging.Sanitize(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Observability.Sanitize(); err != nil {
		errs = append(errs, err)
	}
	if c.Backend == BackendSQL {
		if _, err := c.SQL.Sanitize(); err != nil {
			errs = append(errs, err)
		}
	} else if _, err := c.Postgres.Sanitize(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
