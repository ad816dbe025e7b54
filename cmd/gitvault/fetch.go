package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/mirror"
)

func newFetchCommand() *cobra.Command {
	var (
		remoteName string
		conflict   string
	)

	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Fetch refs and objects from a remote, updating local refs of the same name",
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
				Direction: mirror.DirectionPull,
				Conflict:  mirror.ConflictStrategy(conflict),
			})
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d refs, skipped %d, fetched %d objects\n",
				result.RefsUpdated, result.RefsSkipped, result.ObjectsFetched)
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteName, "remote", "origin", "remote name")
	cmd.Flags().StringVar(&conflict, "conflict", string(mirror.StrategySkip), "force-remote, force-local, skip, or error")
	return cmd
}

// resolveRemoteURL takes an explicit URL argument if given, else looks
// up remoteName in the local remotes file.
func resolveRemoteURL(dsn, remoteName string, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	remotes, err := loadRemotes(dsn)
	if err != nil {
		return "", err
	}
	url, ok := remotes[remoteName]
	if !ok {
		return "", fmt.Errorf("remote %s not found; run 'gitvault remote add' or pass a URL", remoteName)
	}
	return url, nil
}
