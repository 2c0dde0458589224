package record

import (
	"context"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-dbscope/txscope"
)

// Order is one row of the orders table.
type Order struct {
	ID        int64
	ProductID int64
	Quantity  int
	Customer  string
	PlacedAt  time.Time
}

// Orders is the data-access surface of the orders table.
type Orders struct {
	exec  Executor
	table table
	now   func() time.Time
}

// NewOrders returns the orders table in schema, run through exec.
func NewOrders(exec Executor, schema string) *Orders {
	return &Orders{exec: exec, table: newTable(schema, "orders"), now: time.Now}
}

// EnsureSchema creates the orders table when it does not exist.
func (s *Orders) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         BIGINT PRIMARY KEY,
	product_id BIGINT NOT NULL,
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	customer   TEXT NOT NULL,
	placed_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	return wrap("ensure orders", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, stmt)
		return err
	}))
}

// Load returns the order with id or ErrNotFound.
func (s *Orders) Load(ctx context.Context, id int64) (Order, error) {
	var o Order
	err := s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		return q.QueryRow(ctx,
			fmt.Sprintf(`SELECT id, product_id, quantity, customer, placed_at FROM %s WHERE id = $1`, s.table), id,
		).Scan(&o.ID, &o.ProductID, &o.Quantity, &o.Customer, &o.PlacedAt)
	})
	if err != nil {
		return Order{}, wrap("load order", notFound(err))
	}
	return o, nil
}

// Insert stores o; PlacedAt is set when zero.
func (s *Orders) Insert(ctx context.Context, o *Order) error {
	if o.PlacedAt.IsZero() {
		o.PlacedAt = s.now().UTC()
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, product_id, quantity, customer, placed_at) VALUES ($1, $2, $3, $4, $5)`, s.table)
	return wrap("insert order", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, stmt, o.ID, o.ProductID, o.Quantity, o.Customer, o.PlacedAt)
		return err
	}))
}

// Delete removes order id. Deleting a missing row is not an error.
func (s *Orders) Delete(ctx context.Context, id int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	return wrap("delete order", s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, stmt, id)
		return err
	}))
}

// Count returns the number of stored orders.
func (s *Orders) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.exec.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		return q.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	})
	return n, wrap("count orders", err)
}

// PlaceOrder reserves stock and records the order as one unit of work: both
// statements run on one connection inside one boundary.
func PlaceOrder(ctx context.Context, mgr *txscope.Manager, products *Products, orders *Orders, o *Order) error {
	return mgr.Within(ctx, txscope.TxOptions{TraceName: "record.place_order"}, func(ctx context.Context) error {
		return mgr.Scope(ctx, func(ctx context.Context) error {
			if _, err := products.AdjustStock(ctx, o.ProductID, -o.Quantity); err != nil {
				return err
			}
			return orders.Insert(ctx, o)
		})
	})
}
