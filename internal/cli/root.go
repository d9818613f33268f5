// Package cli implements the napi-run command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryguy/napi"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "napi-run",
		Short: "Run scripts against the native async work runtime",
		Long: `napi-run evaluates a script in an embedded JavaScript engine whose
native addons (sqlite, brotli, wasm) do their blocking work on a worker
pool and resolve promises back on the engine thread.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and script engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "napi-run %s (%s)\n", Version, napi.Backend)
			return err
		},
	}
}
