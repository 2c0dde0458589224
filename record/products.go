package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-dbscope/txscope"
)

// Product is one row of the products table.
type Product struct {
	ID         int64
	Name       string
	Stock      int
	PriceCents int64
	UpdatedAt  time.Time
}

// Products is the data-access surface of the products table.
type Products struct {
	exec  Executor
	table table
	now   func() time.Time
}

// NewProducts returns a store over schema.products. An empty schema uses
// the connection's search_path.
func NewProducts(exec Executor, schema string) *Products {
	return &Products{exec: exec, table: newTable(schema, "products"), now: time.Now}
}

// EnsureSchema creates the table when it does not exist.
func (s *Products) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	stock       INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	price_cents BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	return wrap("ensure products", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, stmt)
		return err
	}))
}

// Load returns the product with id or ErrNotFound.
func (s *Products) Load(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		return q.QueryRow(ctx,
			fmt.Sprintf(`SELECT id, name, stock, price_cents, updated_at FROM %s WHERE id = $1`, s.table), id,
		).Scan(&p.ID, &p.Name, &p.Stock, &p.PriceCents, &p.UpdatedAt)
	})
	if err != nil {
		return Product{}, wrap("load product", notFound(err))
	}
	return p, nil
}

// Save inserts p or overwrites the row with the same id.
func (s *Products) Save(ctx context.Context, p *Product) error {
	p.UpdatedAt = s.now().UTC()
	stmt := fmt.Sprintf(`INSERT INTO %s (id, name, stock, price_cents, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, stock = EXCLUDED.stock,
	price_cents = EXCLUDED.price_cents, updated_at = EXCLUDED.updated_at`, s.table)
	return wrap("save product", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, stmt, p.ID, p.Name, p.Stock, p.PriceCents, p.UpdatedAt)
		return err
	}))
}

// Rename changes the name of product id.
func (s *Products) Rename(ctx context.Context, id int64, name string) error {
	stmt := fmt.Sprintf(`UPDATE %s SET name = $2, updated_at = $3 WHERE id = $1`, s.table)
	return wrap("rename product", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		n, err := q.Exec(ctx, stmt, id, name, s.now().UTC())
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}))
}

// Delete removes product id. Deleting a missing product is not an error.
func (s *Products) Delete(ctx context.Context, id int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	return wrap("delete product", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, stmt, id)
		return err
	}))
}

// AdjustStock adds delta to the stock of product id and returns the new
// level. The row is locked for the rest of the ambient transaction.
func (s *Products) AdjustStock(ctx context.Context, id int64, delta int) (int, error) {
	var stock int
	err := s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		if err := q.QueryRow(ctx,
			fmt.Sprintf(`SELECT stock FROM %s WHERE id = $1 FOR UPDATE`, s.table), id,
		).Scan(&stock); err != nil {
			return notFound(err)
		}
		if stock+delta < 0 {
			return fmt.Errorf("%w: product %d has %d, need %d", ErrInsufficientStock, id, stock, -delta)
		}
		stock += delta
		_, err := q.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET stock = $2, updated_at = $3 WHERE id = $1`, s.table),
			id, stock, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, wrap("adjust stock", err)
	}
	return stock, nil
}

// Count returns the number of products.
func (s *Products) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		return q.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	})
	return n, wrap("count products", err)
}

// List returns every product ordered by id.
func (s *Products) List(ctx context.Context) ([]Product, error) {
	var out []Product
	err := s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		rows, err := q.Query(ctx,
			fmt.Sprintf(`SELECT id, name, stock, price_cents, updated_at FROM %s ORDER BY id`, s.table))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Product
			if err := rows.Scan(&p.ID, &p.Name, &p.Stock, &p.PriceCents, &p.UpdatedAt); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrap("list products", err)
	}
	return out, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
