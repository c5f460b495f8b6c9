package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the top-level cobra command for gostunctl.
var rootCmd = &cobra.Command{
	Use:   "gostunctl",
	Short: "CLI client for the gostun dispatch core",
	Long:  "gostunctl speaks STUN directly to a gostun daemon to probe its NAT-behavior-discovery responses.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(probeCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
