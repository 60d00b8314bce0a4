package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/internal/integrity"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "guardsmith",
	Short: "Hazard specs compiled into verified, enforced policy",
	Long: "Turns structured hazard specifications into two synchronized artifacts — a declarative\n" +
		"CEL policy rule and a compiled in-process guard — verifies that both still mean what the\n" +
		"spec author wrote, publishes them in versioned bundles, and enforces them at a\n" +
		"fail-closed runtime gate.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := integrity.Verify(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to guardsmith.yaml (default ~/.guardsmith/guardsmith.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
