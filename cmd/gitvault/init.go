package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a local object store",
		Long:  "Create (and migrate) the local hot-tier database this client's other commands operate against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openLocalRepo(cmd)
			if err != nil {
				return fmt.Errorf("failed to initialize local store: %w", err)
			}
			defer db.Close()

			dsn, _ := cmd.Flags().GetString("db")
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty gitvault store at %s\n", dsn)
			return nil
		},
	}
	return cmd
}
