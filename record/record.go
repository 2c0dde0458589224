// Package record holds small data-access operations built on txscope. Every
// call goes through Executor.WithConn, so an operation joins the ambient
// shared scope and boundary of its context without knowing about them.
package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when no row matches the requested key.
	ErrNotFound = errors.New("record: not found")
	// ErrInsufficientStock is returned when a stock adjustment would go
	// below zero.
	ErrInsufficientStock = errors.New("record: insufficient stock")
)

// Executor runs fn on the connection data-access operations should use in
// ctx. *txscope.Manager implements it.
type Executor interface {
	WithConn(ctx context.Context, fn func(ctx context.Context, q txscope.Queryer) error) error
}

var _ Executor = (*txscope.Manager)(nil)

// table is a sanitized, optionally schema qualified table name.
type table string

func newTable(schema, name string) table {
	if schema == "" {
		return table(pgx.Identifier{name}.Sanitize())
	}
	return table(pgx.Identifier{schema, name}.Sanitize())
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("record: %s: %w", op, err)
}
