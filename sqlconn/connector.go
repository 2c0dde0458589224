package sqlconn

import (
	"database/sql/driver"
	"fmt"
	"net"
	"strconv"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/denisenkom/go-mssqldb/msdsn"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// newConnector builds the driver.Connector for cfg and reports the server
// it targets.
func newConnector(cfg Config) (driver.Connector, string, error) {
	endpoint, err := ParseEndpoint(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, "", err
	}

	switch cfg.Driver {
	case Postgres:
		connector, err := pq.NewConnector(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("sqlconn: postgres dsn: %w", err)
		}
		return connector, endpoint, nil
	case MySQL:
		mcfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("sqlconn: mysql dsn: %w", err)
		}
		connector, err := mysql.NewConnector(mcfg)
		if err != nil {
			return nil, "", fmt.Errorf("sqlconn: mysql connector: %w", err)
		}
		return connector, endpoint, nil
	case SQLServer:
		connector, err := mssql.NewConnector(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("sqlconn: sqlserver dsn: %w", err)
		}
		return connector, endpoint, nil
	}
	return nil, "", fmt.Errorf("sqlconn: unsupported driver %q", cfg.Driver)
}

// ParseEndpoint extracts host[:port] from a DSN of the given driver, using
// each driver's own DSN parser: pgconn for postgres (URL and keyword/value
// forms, PG* environment defaults included), go-sql-driver/mysql for mysql
// and go-mssqldb's msdsn for sqlserver (URL, ADO and odbc forms).
func ParseEndpoint(driverName, dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	switch driverName {
	case Postgres:
		pcfg, err := pgconn.ParseConfig(dsn)
		if err != nil {
			return "", fmt.Errorf("sqlconn: postgres dsn: %w", err)
		}
		return net.JoinHostPort(pcfg.Host, strconv.Itoa(int(pcfg.Port))), nil
	case MySQL:
		mcfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("sqlconn: mysql dsn: %w", err)
		}
		return mcfg.Addr, nil
	case SQLServer:
		mcfg, _, err := msdsn.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("sqlconn: sqlserver dsn: %w", err)
		}
		switch {
		case mcfg.Port > 0:
			return net.JoinHostPort(mcfg.Host, strconv.FormatUint(mcfg.Port, 10)), nil
		case mcfg.Instance != "":
			return mcfg.Host + `\` + mcfg.Instance, nil
		}
		return mcfg.Host, nil
	}
	return "", fmt.Errorf("sqlconn: unsupported driver %q", driverName)
}
