// Package cli implements the specrun command line.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "specrun",
		Short: "specrun runs executable acceptance specifications",
		Long: `specrun executes acceptance specifications against a system's fixtures.

A project is a directory of YAML specification files with an optional
project.yaml manifest. "specrun run" executes a project once and reports the
results; "specrun serve" keeps an engine running behind an HTTP API.

The engine runs in a child process by default. Configuration is read from
SPECRUN_* environment variables.`,
		SilenceUsage: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newEngineCmd())
	return root
}

// Execute runs the command line until it completes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
