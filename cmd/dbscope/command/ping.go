package command

import (
	"context"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-dbscope/txscope"
	"github.com/spf13/cobra"
)

func newPingCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Open a shared scope and run a trivial query twice on its connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			return ping(ctx, cmd, a)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func ping(ctx context.Context, cmd *cobra.Command, a *app) error {
	start := time.Now()
	err := a.mgr.Scope(ctx, func(ctx context.Context) error {
		for range 2 {
			err := a.mgr.WithConn(ctx, func(ctx context.Context, q txscope.Queryer) error {
				var one int
				return q.QueryRow(ctx, "SELECT 1").Scan(&one)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	stats := a.mgr.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "ok backend=%s dialect=%s elapsed=%s connections_opened=%d active=%d\n",
		a.cfg.Backend, a.dialect, time.Since(start).Round(time.Millisecond), stats.Opened, stats.Active)
	return nil
}
