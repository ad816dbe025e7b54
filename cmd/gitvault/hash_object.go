package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/pkg/repo"
)

func newHashObjectCommand() *cobra.Command {
	var (
		write   bool
		stdin   bool
		objType string
	)

	cmd := &cobra.Command{
		Use:   "hash-object [file...]",
		Short: "Compute object ID and optionally create a blob from a file",
		Long:  "Computes the object ID for content of the given type and optionally writes it to the object store",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := objects.ObjectType(objType)
			if !typ.IsValid() {
				return fmt.Errorf("unsupported object type %q", objType)
			}

			var r *repo.Repo
			if write {
				rr, db, err := openLocalRepo(cmd)
				if err != nil {
					return fmt.Errorf("not in a gitvault store: %w", err)
				}
				defer db.Close()
				r = rr
			}

			if stdin || len(args) == 0 {
				id, err := hashObject(cmd, r, os.Stdin, typ, write)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			for _, path := range args {
				file, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				id, err := hashObject(cmd, r, file, typ, write)
				file.Close()
				if err != nil {
					return fmt.Errorf("failed to hash %s: %w", path, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&write, "write", "w", false, "Actually write the object into the object store")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "Read from stdin instead of from a file")
	cmd.Flags().StringVarP(&objType, "type", "t", "blob", "Type of object to hash (blob, tree, commit, tag)")

	return cmd
}

func hashObject(cmd *cobra.Command, r *repo.Repo, reader io.Reader, typ objects.ObjectType, write bool) (objects.ObjectID, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return objects.ObjectID{}, fmt.Errorf("failed to read data: %w", err)
	}
	if r != nil {
		return r.HashObject(cmd.Context(), typ, data, write)
	}
	return objects.ComputeHash(typ, data), nil
}
