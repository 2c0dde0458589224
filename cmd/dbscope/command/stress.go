package command

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bionicotaku/lingo-dbscope/record"
	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const stressBaseID = 100_000

type stressOptions struct {
	workers  int
	rounds   int
	parallel int
	timeout  time.Duration
}

func newStressCommand(opts *rootOptions) *cobra.Command {
	so := stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run N concurrent units of work and check none sees another's data",
		Long: `stress starts N goroutines. Each one repeatedly writes its own row
inside a boundary and shared scope, reads it back on the same connection
and rolls back every other round. A worker that observes a value written
by another worker, or a rolled back value, fails the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), so.timeout)
			defer cancel()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requirePostgres(); err != nil {
				return err
			}
			return runStress(ctx, cmd.OutOrStdout(), a, so)
		},
	}
	cmd.Flags().IntVarP(&so.workers, "workers", "n", 16, "concurrent units of work")
	cmd.Flags().IntVar(&so.rounds, "rounds", 10, "boundaries per worker")
	cmd.Flags().IntVar(&so.parallel, "parallel", 0, "goroutine limit (0 means workers)")
	cmd.Flags().DurationVar(&so.timeout, "timeout", 5*time.Minute, "overall deadline")
	return cmd
}

func runStress(ctx context.Context, out io.Writer, a *app, so stressOptions) error {
	if so.workers <= 0 || so.rounds <= 0 {
		return fmt.Errorf("stress: workers and rounds must be positive")
	}
	products, err := prepareProducts(ctx, a)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		for w := range so.workers {
			_ = products.Delete(cleanupCtx, stressBaseID+int64(w))
		}
	}()

	var committed, rolledBack atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if so.parallel > 0 {
		g.SetLimit(so.parallel)
	}
	for w := range so.workers {
		g.Go(func() error {
			return stressWorker(gctx, a.mgr, products, w, so.rounds, &committed, &rolledBack)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stress: %w", err)
	}

	stats := a.mgr.Stats()
	fmt.Fprintf(out, "ok workers=%d rounds=%d committed=%d rolled_back=%d elapsed=%s connections_opened=%d active=%d\n",
		so.workers, so.rounds, committed.Load(), rolledBack.Load(),
		time.Since(start).Round(time.Millisecond), stats.Opened, stats.Active)
	return nil
}

// stressWorker owns row stressBaseID+w. Even rounds commit the stock value
// equal to the round; odd rounds write a poison value and roll it back.
func stressWorker(ctx context.Context, mgr *txscope.Manager, products *record.Products, w, rounds int, committed, rolledBack *atomic.Int64) error {
	id := stressBaseID + int64(w)
	name := fmt.Sprintf("worker-%d", w)
	lastCommitted := -1

	for round := range rounds {
		commit := round%2 == 0
		stock := round
		if !commit {
			stock = 1_000_000 + round
		}

		ctxB, b := mgr.Begin(ctx)
		err := mgr.Scope(ctxB, func(ctx context.Context) error {
			if err := products.Save(ctx, &record.Product{ID: id, Name: name, Stock: stock}); err != nil {
				return err
			}
			got, err := products.Load(ctx, id)
			if err != nil {
				return err
			}
			if got.Name != name || got.Stock != stock {
				return fmt.Errorf("worker %d read %q stock=%d, wrote %q stock=%d", w, got.Name, got.Stock, name, stock)
			}
			return nil
		})
		if err == nil && commit {
			b.MarkComplete()
		}
		if endErr := mgr.End(ctxB, b); endErr != nil {
			return fmt.Errorf("worker %d round %d: %w", w, round, endErr)
		}
		if err != nil {
			return fmt.Errorf("worker %d round %d: %w", w, round, err)
		}
		if commit {
			committed.Add(1)
			lastCommitted = stock
		} else {
			rolledBack.Add(1)
		}

		got, err := products.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("worker %d round %d reload: %w", w, round, err)
		}
		if got.Stock != lastCommitted {
			return fmt.Errorf("worker %d round %d: persisted stock=%d, last committed %d", w, round, got.Stock, lastCommitted)
		}
	}
	return nil
}
