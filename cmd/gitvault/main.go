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
		Use:   "gitvault",
		Short: "Client for a content-addressed, Git-compatible object store",
		Long: `gitvault talks Smart HTTP to a gitvaultd server: cloning, fetching
and pushing refs and objects, and inspecting/mutating the local branch,
tag, and remote namespace directly against the local engine.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().String("db", ".gitvault/store.db", "path to the local hot-tier SQLite database")
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (overrides defaults; GITVAULT_ env vars override it)")

	rootCmd.AddCommand(
		newInitCommand(),
		newCloneCommand(),
		newFetchCommand(),
		newPushCommand(),
		newBranchCommand(),
		newTagCommand(),
		newRemoteCommand(),
		newHashObjectCommand(),
		newCatFileCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
