package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/mirror"
)

func newCloneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone <url> [directory]",
		Short: "Clone a remote's refs and objects into a fresh local store",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			directory := directoryNameFromURL(url)
			if len(args) > 1 {
				directory = args[1]
			}
			dsn := filepath.Join(directory, "store.db")
			if err := cmd.Flags().Set("db", dsn); err != nil {
				return fmt.Errorf("failed to set local store path: %w", err)
			}

			r, db, err := openLocalRepo(cmd)
			if err != nil {
				return fmt.Errorf("failed to initialize local store: %w", err)
			}
			defer db.Close()

			remotes, err := loadRemotes(dsn)
			if err != nil {
				return err
			}
			remotes["origin"] = url
			if err := saveRemotes(dsn, remotes); err != nil {
				return fmt.Errorf("failed to record remote: %w", err)
			}

			syncer := r.Syncer("origin", url)
			result, err := syncer.Sync(cmd.Context(), mirror.Options{
				Direction: mirror.DirectionPull,
				Conflict:  mirror.StrategyForceRemote,
			})
			if err != nil {
				return fmt.Errorf("clone failed: %w", err)
			}

			ad, err := r.Remote("origin", url).DiscoverRefs(cmd.Context(), "git-upload-pack")
			if err == nil && ad.HeadTarget != "" {
				if sha, ok := ad.Refs[ad.HeadTarget]; ok {
					localBranch := "refs/heads/" + strings.TrimPrefix(ad.HeadTarget, "refs/heads/")
					if err := r.Refs.CreateBranch(localBranch[len("refs/heads/"):], sha.String(), true); err == nil {
						_ = r.Refs.SetHeadSymbolic(localBranch)
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cloned into '%s': %d refs, %d objects\n",
				directory, result.RefsUpdated, result.ObjectsFetched)
			return nil
		},
	}
	return cmd
}

func directoryNameFromURL(url string) string {
	trimmed := strings.TrimSuffix(url, ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
