package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codehub",
	Short: "CodeHub - workspace lifecycle engine",
	Long: `CodeHub keeps browser IDE workspaces converged with their declared
state: provisioning volumes, starting and stopping containers, archiving
idle homes to object storage and restoring them on demand.

State lives in PostgreSQL; the engine is a set of crash-safe reconciliation
loops that re-derive every decision from the current row.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CodeHub version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(migrateCmd)
}
