package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/diff"
)

func newBranchCommand() *cobra.Command {
	var (
		deleteBranch bool
		forceDelete  bool
		force        bool
		startPoint   string
	)

	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List, create, or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, db, err := openLocalRepo(cmd)
			if err != nil {
				return fmt.Errorf("not in a gitvault store: %w", err)
			}
			defer db.Close()

			if len(args) == 0 {
				all, err := r.Refs.ListRefs("refs/heads/")
				if err != nil {
					return err
				}
				_, curBranch, _ := r.Refs.Head()
				for _, ref := range all {
					marker := "  "
					if ref.Name == curBranch {
						marker = "* "
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", marker, ref.Name[len("refs/heads/"):])
				}
				return nil
			}

			name := args[0]
			if deleteBranch {
				walker := diff.NewCommitWalker(cmd.Context(), r.Store)
				_, defaultBranch, _ := r.Refs.Head()
				if err := r.Refs.DeleteBranch(name, forceDelete, !forceDelete, defaultBranch, walker); err != nil {
					return fmt.Errorf("failed to delete branch %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted branch %s\n", name)
				return nil
			}

			if err := r.Refs.CreateBranch(name, startPoint, force); err != nil {
				return fmt.Errorf("failed to create branch %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&deleteBranch, "delete", "d", false, "Delete a branch")
	cmd.Flags().BoolVarP(&forceDelete, "force", "D", false, "Force-delete an unmerged branch")
	cmd.Flags().BoolVarP(&force, "force-create", "f", false, "Overwrite an existing branch")
	cmd.Flags().StringVar(&startPoint, "start-point", "", "Commit, branch, or remote-tracking ref to start the branch at")

	return cmd
}
