package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bionicotaku/lingo-dbscope/record"
	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

const (
	demoRowX = 9001
	demoRowY = 9002
)

func newDemoCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the nested boundary scenario and print what persisted",
		Long: `demo writes row X in a shared scope of root boundary A, row Y in a
nested scope of boundary B, completes B and ends A without completing it.
Neither row may persist and the shared connection is closed once. It then
repeats the scenario with A completed, and finally shows the coordination
failure of two unscoped operations in one boundary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requirePostgres(); err != nil {
				return err
			}
			return runDemo(ctx, cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, a *app) error {
	products, err := prepareProducts(ctx, a)
	if err != nil {
		return err
	}
	defer func() {
		_ = products.Delete(context.WithoutCancel(ctx), demoRowX)
		_ = products.Delete(context.WithoutCancel(ctx), demoRowY)
	}()

	for _, completeRoot := range []bool{false, true} {
		before := a.mgr.Stats()
		rootErr := nestedScenario(ctx, a.mgr, products, completeRoot)
		after := a.mgr.Stats()

		x, errX := products.Load(ctx, demoRowX)
		y, errY := products.Load(ctx, demoRowY)
		fmt.Fprintf(out, "scenario complete_root=%t end_err=%v scenario_connections_opened=%d closed=%d\n",
			completeRoot, rootErr, after.Opened-before.Opened, after.Closed-before.Closed)
		fmt.Fprintf(out, "  row X: %s\n", describe(x, errX))
		fmt.Fprintf(out, "  row Y: %s\n", describe(y, errY))
		if rootErr != nil {
			return rootErr
		}
	}

	err = a.mgr.Within(ctx, txscope.TxOptions{}, func(ctx context.Context) error {
		if _, err := products.Load(ctx, demoRowX); err != nil {
			return err
		}
		_, err := products.Load(ctx, demoRowY)
		return err
	})
	fmt.Fprintf(out, "two unscoped operations in one boundary: coordination_error=%t\n  %v\n",
		errors.Is(err, txscope.ErrCoordinatorUnavailable), err)

	err = a.mgr.Within(ctx, txscope.TxOptions{}, func(ctx context.Context) error {
		return a.mgr.Scope(ctx, func(ctx context.Context) error {
			if _, err := products.Load(ctx, demoRowX); err != nil {
				return err
			}
			_, err := products.Load(ctx, demoRowY)
			return err
		})
	})
	fmt.Fprintf(out, "same operations inside a shared scope: err=%v\n", err)
	return err
}

// nestedScenario runs A{S1{X, B{S2{Y}} complete B}} and completes A only
// when completeRoot is set.
func nestedScenario(ctx context.Context, mgr *txscope.Manager, products *record.Products, completeRoot bool) error {
	ctxA, boundaryA := mgr.Begin(ctx)
	ctxS1, s1, err := mgr.EnterScope(ctxA)
	if err != nil {
		return errors.Join(err, mgr.End(ctxA, boundaryA))
	}

	work := func() error {
		if err := products.Save(ctxS1, &record.Product{ID: demoRowX, Name: "X", Stock: 1}); err != nil {
			return err
		}
		ctxB, boundaryB := mgr.Begin(ctxS1)
		ctxS2, s2, err := mgr.EnterScope(ctxB)
		if err != nil {
			return errors.Join(err, mgr.End(ctxB, boundaryB))
		}
		if mgr.CurrentConnection(ctxS2) != mgr.CurrentConnection(ctxS1) {
			err = errors.New("nested scope did not share the outer connection")
		} else {
			err = products.Save(ctxS2, &record.Product{ID: demoRowY, Name: "Y", Stock: 1})
		}
		if err == nil {
			boundaryB.MarkComplete()
		}
		return errors.Join(err, mgr.ExitScope(ctxS2, s2), mgr.End(ctxB, boundaryB))
	}

	workErr := work()
	if workErr == nil && completeRoot {
		boundaryA.MarkComplete()
	}
	return errors.Join(workErr, mgr.ExitScope(ctxS1, s1), mgr.End(ctxA, boundaryA))
}

func prepareProducts(ctx context.Context, a *app) (*record.Products, error) {
	schema := a.schema()
	err := a.mgr.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
		_, err := q.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create schema %s: %w", schema, err)
	}
	products := record.NewProducts(a.mgr, schema)
	if err := products.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return products, nil
}

func describe(p record.Product, err error) string {
	switch {
	case record.IsNotFound(err):
		return "not persisted"
	case err != nil:
		return "error: " + err.Error()
	default:
		return fmt.Sprintf("persisted name=%q", p.Name)
	}
}
