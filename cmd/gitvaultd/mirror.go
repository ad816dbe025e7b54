package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/mirror"
)

func newMirrorCommand() *cobra.Command {
	var (
		dsn        string
		direction  string
		conflict   string
		remoteName string
	)

	cmd := &cobra.Command{
		Use:   "mirror <remote-url>",
		Short: "Sync refs and objects with a remote gitvaultd server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			r, db, err := openEngine(cfg, dsn, log)
			if err != nil {
				return err
			}
			defer db.Close()

			syncer := r.Syncer(remoteName, args[0])
			opts := mirror.Options{
				Direction: mirror.Direction(direction),
				Conflict:  mirror.ConflictStrategy(conflict),
			}
			result, err := syncer.Sync(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d refs, skipped %d, fetched %d objects\n",
				result.RefsUpdated, result.RefsSkipped, result.ObjectsFetched)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "db", "gitvault.db", "path to the hot-tier SQLite database")
	cmd.Flags().StringVar(&remoteName, "remote", "origin", "name under refs/remotes/<name>/* to sync")
	cmd.Flags().StringVar(&direction, "direction", string(mirror.DirectionBidirectional), "pull, push, or bidirectional")
	cmd.Flags().StringVar(&conflict, "conflict", string(mirror.StrategySkip), "force-remote, force-local, skip, or error")
	return cmd
}
