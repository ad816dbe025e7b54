package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/objects"
)

func newCatFileCommand() *cobra.Command {
	var (
		showType bool
		showSize bool
		exists   bool
		pretty   bool
	)

	cmd := &cobra.Command{
		Use:   "cat-file [options] <object>",
		Short: "Provide content, type, or size information for a stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, db, err := openLocalRepo(cmd)
			if err != nil {
				return fmt.Errorf("not in a gitvault store: %w", err)
			}
			defer db.Close()

			id, err := objects.ParseObjectID(args[0])
			if err != nil {
				return fmt.Errorf("invalid object id: %w", err)
			}

			typ, data, err := r.ReadObject(cmd.Context(), id)
			if err != nil {
				if exists {
					os.Exit(1)
				}
				return fmt.Errorf("failed to read object: %w", err)
			}

			switch {
			case exists:
				return nil
			case showType:
				fmt.Fprintln(cmd.OutOrStdout(), typ)
			case showSize:
				fmt.Fprintln(cmd.OutOrStdout(), len(data))
			case pretty:
				cmd.OutOrStdout().Write(data)
			default:
				return fmt.Errorf("must specify one of -t, -s, -e, or -p")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showType, "type", "t", false, "Show object type")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "Show object size")
	cmd.Flags().BoolVarP(&exists, "exists", "e", false, "Exit with zero status if object exists")
	cmd.Flags().BoolVarP(&pretty, "pretty-print", "p", false, "Print raw object content")

	return cmd
}
