package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gitvaultd",
		Short: "Content-addressed VCS object server",
		Long: `gitvaultd serves the Smart HTTP protocol against a tiered object
store (hot SQLite + warm/cold object storage) and runs the engine's
operational jobs: garbage collection and remote mirroring.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (overrides defaults; GITVAULT_ env vars override it)")

	rootCmd.AddCommand(
		newServeCommand(),
		newGCCommand(),
		newMirrorCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
