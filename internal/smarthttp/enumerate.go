package smarthttp

import (
	"context"
	"fmt"
	"sort"

	"github.com/gitvault/server/internal/objects"
)

// ObjectGetter is the read contract enumeration needs: resolve a sha
// to its type and bytes. internal/store.Store and internal/diff's
// in-memory test fakes both satisfy it already.
type ObjectGetter interface {
	Get(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error)
}

// Enumerator walks the object graph reachable from a set of commit,
// tag, tree, or blob roots: commits pull in their tree and parents,
// trees pull in their entries, tags pull in their target.
type Enumerator struct {
	g ObjectGetter
}

func NewEnumerator(g ObjectGetter) *Enumerator {
	return &Enumerator{g: g}
}

// Closure returns every object reachable from roots, including the
// roots themselves.
func (e *Enumerator) Closure(ctx context.Context, roots []objects.ObjectID) (map[objects.ObjectID]objects.ObjectType, error) {
	visited := map[objects.ObjectID]objects.ObjectType{}
	queue := append([]objects.ObjectID{}, roots...)
	for len(queue) > 0 {
		sha := queue[0]
		queue = queue[1:]
		if _, ok := visited[sha]; ok {
			continue
		}
		typ, data, err := e.g.Get(ctx, sha)
		if err != nil {
			return nil, fmt.Errorf("smarthttp: enumerate %s: %w", sha, err)
		}
		visited[sha] = typ

		switch typ {
		case objects.TypeCommit:
			c, err := objects.ParseCommit(sha, data)
			if err != nil {
				return nil, fmt.Errorf("smarthttp: enumerate commit %s: %w", sha, err)
			}
			queue = append(queue, c.Tree())
			queue = append(queue, c.Parents()...)
		case objects.TypeTree:
			tree, err := objects.ParseTree(sha, data)
			if err != nil {
				return nil, fmt.Errorf("smarthttp: enumerate tree %s: %w", sha, err)
			}
			for _, te := range tree.Entries() {
				if te.Mode != objects.ModeCommit { // don't descend into submodule pointers
					queue = append(queue, te.ID)
				}
			}
		case objects.TypeTag:
			tag, err := objects.ParseTag(sha, data)
			if err != nil {
				return nil, fmt.Errorf("smarthttp: enumerate tag %s: %w", sha, err)
			}
			queue = append(queue, tag.Object())
		case objects.TypeBlob:
			// leaf
		}
	}
	return visited, nil
}

// MissingClosure returns, in deterministic sha order, every object
// reachable from wants that is not reachable from haves — the set
// upload-pack must send and push must detect as needed by the remote.
func (e *Enumerator) MissingClosure(ctx context.Context, wants, haves []objects.ObjectID) ([]objects.ObjectID, error) {
	have, err := e.Closure(ctx, haves)
	if err != nil {
		return nil, fmt.Errorf("smarthttp: haves closure: %w", err)
	}
	want, err := e.Closure(ctx, wants)
	if err != nil {
		return nil, fmt.Errorf("smarthttp: wants closure: %w", err)
	}

	var out []objects.ObjectID
	for sha := range want {
		if _, ok := have[sha]; !ok {
			out = append(out, sha)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
