package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newRemoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage the set of tracked remote servers",
	}
	cmd.AddCommand(
		newRemoteAddCommand(),
		newRemoteRemoveCommand(),
		newRemoteListCommand(),
	)
	return cmd
}

func newRemoteAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <url>",
		Args:  cobra.ExactArgs(2),
		Short: "Add a remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("db")
			remotes, err := loadRemotes(dsn)
			if err != nil {
				return err
			}
			if _, exists := remotes[args[0]]; exists {
				return fmt.Errorf("remote %s already exists", args[0])
			}
			remotes[args[0]] = args[1]
			if err := saveRemotes(dsn, remotes); err != nil {
				return fmt.Errorf("failed to add remote: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added remote '%s' -> '%s'\n", args[0], args[1])
			return nil
		},
	}
}

func newRemoteRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		Short:   "Remove a remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("db")
			remotes, err := loadRemotes(dsn)
			if err != nil {
				return err
			}
			if _, exists := remotes[args[0]]; !exists {
				return fmt.Errorf("remote %s does not exist", args[0])
			}
			delete(remotes, args[0])
			if err := saveRemotes(dsn, remotes); err != nil {
				return fmt.Errorf("failed to remove remote: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed remote '%s'\n", args[0])
			return nil
		},
	}
}

func newRemoteListCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List remotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("db")
			remotes, err := loadRemotes(dsn)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(remotes))
			for name := range remotes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if verbose {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s (fetch)\n", name, remotes[name])
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s (push)\n", name, remotes[name])
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show URLs")
	return cmd
}
