package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/objects"
)

// putterFunc adapts repo.Repo.Store.Put (which takes a context) into
// refs.ObjectPutter's narrower, context-free signature.
type putterFunc func(typ objects.ObjectType, data []byte) (objects.ObjectID, error)

func (f putterFunc) Put(typ objects.ObjectType, data []byte) (objects.ObjectID, error) {
	return f(typ, data)
}

func newTagCommand() *cobra.Command {
	var (
		message   string
		deleteTag bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "tag [name] [target]",
		Short: "List, create, or delete tags",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, db, err := openLocalRepo(cmd)
			if err != nil {
				return fmt.Errorf("not in a gitvault store: %w", err)
			}
			defer db.Close()

			if len(args) == 0 {
				all, err := r.Refs.ListRefs("refs/tags/")
				if err != nil {
					return err
				}
				for _, ref := range all {
					fmt.Fprintln(cmd.OutOrStdout(), ref.Name[len("refs/tags/"):])
				}
				return nil
			}

			name := args[0]
			if deleteTag {
				if err := r.Refs.DeleteTag(name); err != nil {
					return fmt.Errorf("failed to delete tag %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted tag %s\n", name)
				return nil
			}

			target := ""
			if len(args) > 1 {
				target = args[1]
			}
			targetSHA, err := resolveTarget(r.Refs, target)
			if err != nil {
				return err
			}

			if message == "" {
				if err := r.Refs.CreateLightweightTag(name, targetSHA, force); err != nil {
					return fmt.Errorf("failed to create tag %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created tag %s\n", name)
				return nil
			}

			typ, _, err := r.ReadObject(cmd.Context(), targetSHA)
			if err != nil {
				return fmt.Errorf("failed to read tag target: %w", err)
			}
			tagger := objects.Signature{Name: "gitvault", Email: "gitvault@localhost", When: time.Now()}
			putter := putterFunc(func(t objects.ObjectType, data []byte) (objects.ObjectID, error) {
				return r.Store.Put(context.Background(), t, data)
			})
			if err := r.Refs.CreateAnnotatedTag(putter, name, targetSHA, typ, tagger, message, force); err != nil {
				return fmt.Errorf("failed to create annotated tag %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created annotated tag %s\n", name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Create an annotated tag with this message")
	cmd.Flags().BoolVarP(&deleteTag, "delete", "d", false, "Delete a tag")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing tag")

	return cmd
}

type refResolver interface {
	Resolve(name string) (objects.ObjectID, error)
}

func resolveTarget(refs refResolver, target string) (objects.ObjectID, error) {
	if target == "" {
		return refs.Resolve("HEAD")
	}
	if id, err := objects.NewObjectID(target); err == nil {
		return id, nil
	}
	return refs.Resolve(target)
}
