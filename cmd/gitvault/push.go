package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/mirror"
)

func newPushCommand() *cobra.Command {
	var (
		remoteName string
		conflict   string
	)

	cmd := &cobra.Command{
		Use:   "push [url]",
		Short: "Push local refs and objects to a remote",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("db")
			url, err := resolveRemoteURL(dsn, remoteName, args)
			if err != nil {
				return err
			}

			r, db, err := openLocalRepo(cmd)
			if err != nil {
				return fmt.Errorf("not in a gitvault store: %w", err)
			}
			defer db.Close()

			syncer := r.Syncer(remoteName, url)
			result, err := syncer.Sync(cmd.Context(), mirror.Options{
				Direction: mirror.DirectionPush,
				Conflict:  mirror.ConflictStrategy(conflict),
			})
			if err != nil {
				return fmt.Errorf("push failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d refs, skipped %d\n", result.RefsUpdated, result.RefsSkipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteName, "remote", "origin", "remote name")
	cmd.Flags().StringVar(&conflict, "conflict", string(mirror.StrategySkip), "force-remote, force-local, skip, or error")
	return cmd
}
