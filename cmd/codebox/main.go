// codebox runs untrusted programs in isolated, file-supervised sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codebox",
	Short: "codebox runs untrusted programs in isolated sandboxes.",
	Long: `codebox stages each submitted program into its own workspace, launches it
in an isolated container, supervises the workspace for a completion marker until
the deadline passes and returns the bounded output, timing and errors.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: codebox.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, languagesCmd, sweepCmd, runsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
