package diff

import (
	"context"
	"fmt"
	"sort"

	"github.com/gitvault/server/internal/objects"
)

// Entry is one flattened tree entry produced by Walk: a tree/blob/
// symlink/submodule mode, its name within its immediate parent, its
// full slash-joined path from the walk root, and its object sha.
type Entry struct {
	Mode objects.FileMode
	Name string
	Path string
	SHA  objects.ObjectID
}

// Walk lists treeSHA's entries under prefix. When recursive is false
// it returns only the tree's direct children; when true it descends
// into every subtree and returns a flat, path-sorted list covering the
// whole subtree rooted at treeSHA.
func Walk(ctx context.Context, g ObjectGetter, treeSHA objects.ObjectID, prefix string, recursive bool) ([]Entry, error) {
	typ, data, err := g.Get(ctx, treeSHA)
	if err != nil {
		return nil, fmt.Errorf("diff: walk %s: %w", treeSHA, err)
	}
	if typ != objects.TypeTree {
		return nil, fmt.Errorf("diff: walk %s: not a tree (got %s)", treeSHA, typ)
	}
	tree, err := objects.ParseTree(treeSHA, data)
	if err != nil {
		return nil, fmt.Errorf("diff: walk %s: %w", treeSHA, err)
	}

	var out []Entry
	for _, e := range tree.Entries() {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		out = append(out, Entry{Mode: e.Mode, Name: e.Name, Path: full, SHA: e.ID})
		if recursive && e.Mode == objects.ModeTree {
			sub, err := Walk(ctx, g, e.ID, full, true)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
