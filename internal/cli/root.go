// Package cli implements the monitor command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "monitord",
	Short: "monitord — federated component monitor and election coordinator",
	Long: `monitord runs one node of a federated monitor service: components
register with a local Observer Server, an Observer Master runs the
blessing engine over the merged global view, and nodes federate through
Observer Slave/Master links with automatic master failover.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
