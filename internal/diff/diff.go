// Package diff implements tree walking, tree-to-tree diffing with
// rename/copy detection, pathspec filtering, and commit merge-base
// resolution (§4.G). It also supplies a concrete refs.AncestryWalker
// over the tiered object store so ref operations that need to check
// ancestry (e.g. a branch-merged check before delete) have something
// real to walk.
package diff

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/gitvault/server/internal/objects"
)

// ObjectGetter is the narrow read contract this package needs from the
// tiered object store: resolve a sha to its type and raw bytes.
type ObjectGetter interface {
	Get(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error)
}

// ChangeType classifies one path's status between two trees.
type ChangeType string

const (
	Added       ChangeType = "ADDED"
	Deleted     ChangeType = "DELETED"
	Modified    ChangeType = "MODIFIED"
	TypeChanged ChangeType = "TYPE_CHANGED"
	Renamed     ChangeType = "RENAMED"
	Copied      ChangeType = "COPIED"
)

// Change describes one path's transition from the old tree to the new
// tree. OldPath/OldMode/OldSHA are zero-valued for Added; NewPath/
// NewMode/NewSHA are zero-valued for Deleted. Similarity is only set
// for Renamed and Copied.
type Change struct {
	Type       ChangeType
	OldPath    string
	NewPath    string
	OldMode    objects.FileMode
	NewMode    objects.FileMode
	OldSHA     objects.ObjectID
	NewSHA     objects.ObjectID
	Similarity int
}

// Options controls Diff's rename/copy detection and path filtering.
type Options struct {
	DetectRenames bool
	DetectCopies  bool
	// RenameThreshold is the minimum similarity percentage (0-100) for
	// a deleted/added pair to be reported as a rename or copy.
	RenameThreshold int
	// MaxRenameSize bounds the blob content size (bytes) eligible for
	// the O(|added|*|deleted|) content-similarity scan; blobs larger
	// than this are only matched via exact sha, never content
	// similarity, so a handful of huge blobs can't blow up the scan.
	MaxRenameSize int64
	Pathspec      *Pathspec
}

// DefaultOptions matches the spec's defaults: rename detection on,
// copy detection off, 50% threshold.
func DefaultOptions() Options {
	return Options{
		DetectRenames:   true,
		RenameThreshold: 50,
		MaxRenameSize:   512 * 1024,
	}
}

// Diff walks oldTree and newTree (either may be the zero ObjectID,
// meaning an empty tree — e.g. the first commit's parentless diff),
// classifies every path, and folds matched deletions/additions into
// RENAMED or COPIED changes when enabled. Results are sorted by the
// path used for display (NewPath, falling back to OldPath for pure
// deletions).
func Diff(ctx context.Context, g ObjectGetter, oldTree, newTree objects.ObjectID, opts Options) ([]Change, error) {
	oldEntries, err := treeMap(ctx, g, oldTree)
	if err != nil {
		return nil, fmt.Errorf("diff: old tree: %w", err)
	}
	newEntries, err := treeMap(ctx, g, newTree)
	if err != nil {
		return nil, fmt.Errorf("diff: new tree: %w", err)
	}

	filteredOld := filterPaths(oldEntries, opts.Pathspec)
	filteredNew := filterPaths(newEntries, opts.Pathspec)

	var changes []Change
	added := map[string]Entry{}
	deleted := map[string]Entry{}

	for path, ne := range filteredNew {
		oe, ok := filteredOld[path]
		if !ok {
			added[path] = ne
			continue
		}
		if modeCategory(oe.Mode) != modeCategory(ne.Mode) {
			changes = append(changes, Change{
				Type: TypeChanged, OldPath: path, NewPath: path,
				OldMode: oe.Mode, NewMode: ne.Mode, OldSHA: oe.SHA, NewSHA: ne.SHA,
			})
		} else if oe.SHA != ne.SHA || oe.Mode != ne.Mode {
			changes = append(changes, Change{
				Type: Modified, OldPath: path, NewPath: path,
				OldMode: oe.Mode, NewMode: ne.Mode, OldSHA: oe.SHA, NewSHA: ne.SHA,
			})
		}
	}
	for path, oe := range filteredOld {
		if _, ok := filteredNew[path]; !ok {
			deleted[path] = oe
		}
	}

	cache := map[objects.ObjectID][]byte{}
	fetch := func(sha objects.ObjectID) ([]byte, error) {
		if data, ok := cache[sha]; ok {
			return data, nil
		}
		typ, data, err := g.Get(ctx, sha)
		if err != nil {
			return nil, err
		}
		if typ != objects.TypeBlob {
			return nil, nil
		}
		cache[sha] = data
		return data, nil
	}

	if opts.DetectRenames && len(added) > 0 && len(deleted) > 0 {
		renamed, err := matchPairs(fetch, deleted, added, opts, Renamed)
		if err != nil {
			return nil, fmt.Errorf("diff: rename detection: %w", err)
		}
		for _, rc := range renamed {
			changes = append(changes, rc)
			delete(deleted, rc.OldPath)
			delete(added, rc.NewPath)
		}
	}

	if opts.DetectCopies && len(added) > 0 && len(filteredOld) > 0 {
		copied, err := matchPairs(fetch, filteredOld, added, opts, Copied)
		if err != nil {
			return nil, fmt.Errorf("diff: copy detection: %w", err)
		}
		for _, cc := range copied {
			changes = append(changes, cc)
			delete(added, cc.NewPath)
		}
	}

	for path, ne := range added {
		changes = append(changes, Change{Type: Added, NewPath: path, NewMode: ne.Mode, NewSHA: ne.SHA})
	}
	for path, oe := range deleted {
		changes = append(changes, Change{Type: Deleted, OldPath: path, OldMode: oe.Mode, OldSHA: oe.SHA})
	}

	sort.Slice(changes, func(i, j int) bool {
		return displayPath(changes[i]) < displayPath(changes[j])
	})
	return changes, nil
}

func displayPath(c Change) string {
	if c.NewPath != "" {
		return c.NewPath
	}
	return c.OldPath
}

// treeMap flattens a tree (recursively) into path -> Entry. A zero
// ObjectID is treated as an empty tree.
func treeMap(ctx context.Context, g ObjectGetter, tree objects.ObjectID) (map[string]Entry, error) {
	out := map[string]Entry{}
	if tree.IsZero() {
		return out, nil
	}
	entries, err := Walk(ctx, g, tree, "", true)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.Path] = e
	}
	return out, nil
}

func filterPaths(entries map[string]Entry, spec *Pathspec) map[string]Entry {
	if spec == nil {
		return entries
	}
	out := make(map[string]Entry, len(entries))
	for path, e := range entries {
		if spec.Match(path) {
			out[path] = e
		}
	}
	return out
}

// modeCategory groups a file mode into the coarse type git
// distinguishes for TYPE_CHANGED: regular/executable files share a
// category, symlinks and submodules are their own.
func modeCategory(m objects.FileMode) string {
	switch m {
	case objects.ModeTree:
		return "tree"
	case objects.ModeSymlink:
		return "symlink"
	case objects.ModeCommit:
		return "submodule"
	default:
		return "file"
	}
}

type fetchFunc func(sha objects.ObjectID) ([]byte, error)

// matchPairs runs the O(|candidates|*|targets|) similarity scan: for
// each entry in "from" (deleted paths, or every old-tree path for
// copies), find the highest-similarity entry in "targets" (added
// paths) at or above the threshold, and emit one Change per match.
// Entries already consumed within this call are not matched twice.
func matchPairs(fetch fetchFunc, from, targets map[string]Entry, opts Options, kind ChangeType) ([]Change, error) {
	type candidate struct {
		path  string
		entry Entry
	}
	var targetList []candidate
	for path, e := range targets {
		if modeCategory(e.Mode) != "file" && modeCategory(e.Mode) != "symlink" {
			continue
		}
		targetList = append(targetList, candidate{path, e})
	}
	sort.Slice(targetList, func(i, j int) bool { return targetList[i].path < targetList[j].path })

	var fromList []candidate
	for path, e := range from {
		if modeCategory(e.Mode) != "file" && modeCategory(e.Mode) != "symlink" {
			continue
		}
		fromList = append(fromList, candidate{path, e})
	}
	sort.Slice(fromList, func(i, j int) bool { return fromList[i].path < fromList[j].path })

	used := map[string]bool{}
	var out []Change

	for _, d := range fromList {
		bestSim := -1
		bestPath := ""
		for _, a := range targetList {
			if used[a.path] || a.path == d.path {
				continue
			}
			sim, err := similarityBetween(fetch, d.entry, a.entry, opts.MaxRenameSize)
			if err != nil {
				return nil, err
			}
			if sim > bestSim {
				bestSim = sim
				bestPath = a.path
			}
		}
		if bestPath == "" || bestSim < opts.RenameThreshold {
			continue
		}
		used[bestPath] = true
		ae := targets[bestPath]
		out = append(out, Change{
			Type: kind, OldPath: d.path, NewPath: bestPath,
			OldMode: d.entry.Mode, NewMode: ae.Mode,
			OldSHA: d.entry.SHA, NewSHA: ae.SHA, Similarity: bestSim,
		})
	}
	return out, nil
}

func similarityBetween(fetch fetchFunc, a, b Entry, maxSize int64) (int, error) {
	if a.SHA == b.SHA {
		return 100, nil
	}
	da, err := fetch(a.SHA)
	if err != nil {
		return 0, err
	}
	if maxSize > 0 && int64(len(da)) > maxSize {
		return 0, nil
	}
	db, err := fetch(b.SHA)
	if err != nil {
		return 0, err
	}
	if maxSize > 0 && int64(len(db)) > maxSize {
		return 0, nil
	}
	return Similarity(da, db), nil
}

// Similarity is the position-wise equal-byte count divided by the
// longer input's length, as a percentage rounded to the nearest
// integer. Two empty inputs are 100% similar.
func Similarity(a, b []byte) int {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 100
	}
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	equal := 0
	for i := 0; i < minLen; i++ {
		if a[i] == b[i] {
			equal++
		}
	}
	return int(math.Round(float64(equal) / float64(maxLen) * 100))
}

// IsBinary reports whether data looks binary: a null byte anywhere in
// its first 8000 bytes.
func IsBinary(data []byte) bool {
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	for i := 0; i < limit; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}
