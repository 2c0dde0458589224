// Package command provides the dbscope root command and its sub-commands,
// organized with cobra.
//
//	./dbscope ping   [-c config.yaml]   # open a shared scope and query the server
//	./dbscope demo   [-c config.yaml]   # nested boundary scenario, prints what persisted
//	./dbscope stress [-c config.yaml] -n 64
package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "dbscope",
		Short: "Ambient connection and transaction scoping demo tool",
		Long: `dbscope exercises the ambient connection scoping layer against a
live database: shared connection scopes, nested logical transaction
boundaries that commit only when every level completed, and the
coordination failure raised when a boundary would need a second
connection outside a shared scope.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.configPath == "" {
				opts.configPath = os.Getenv("DBSCOPE_CONFIG")
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default $DBSCOPE_CONFIG)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env files loaded before the config (default .env)")

	root.AddCommand(newPingCommand(opts), newDemoCommand(opts), newStressCommand(opts))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
