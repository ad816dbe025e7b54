package diff

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/refs"
)

// ErrNoCommonAncestor is returned by MergeBase when the two tips share
// no reachable commit.
var ErrNoCommonAncestor = errors.New("diff: no common ancestor")

// CommitWalker implements refs.AncestryWalker by resolving a commit's
// parents through the tiered object store. refs only needs the narrow
// Parents contract; this is the concrete implementation it's missing.
type CommitWalker struct {
	ctx context.Context
	g   ObjectGetter
}

// NewCommitWalker builds a CommitWalker bound to ctx. The bound
// context is used for every Get call made through Parents, since
// refs.AncestryWalker's signature has no room for one.
func NewCommitWalker(ctx context.Context, g ObjectGetter) *CommitWalker {
	return &CommitWalker{ctx: ctx, g: g}
}

func (w *CommitWalker) Parents(sha objects.ObjectID) ([]objects.ObjectID, error) {
	typ, data, err := w.g.Get(w.ctx, sha)
	if err != nil {
		return nil, fmt.Errorf("diff: parents of %s: %w", sha, err)
	}
	if typ != objects.TypeCommit {
		return nil, fmt.Errorf("diff: %s is not a commit (got %s)", sha, typ)
	}
	commit, err := objects.ParseCommit(sha, data)
	if err != nil {
		return nil, fmt.Errorf("diff: parse commit %s: %w", sha, err)
	}
	return commit.Parents(), nil
}

var _ refs.AncestryWalker = (*CommitWalker)(nil)

// MergeBase finds a best common ancestor of tipA and tipB via
// bidirectional BFS over commit parents, expanding both frontiers one
// level at a time. The first commit visited from both sides wins;
// ties (multiple commits becoming mutually visible in the same round)
// are broken by whichever was discovered earlier in the combined
// discovery order.
func MergeBase(walker refs.AncestryWalker, tipA, tipB objects.ObjectID) (objects.ObjectID, error) {
	if tipA == tipB {
		return tipA, nil
	}

	seenA := map[objects.ObjectID]bool{tipA: true}
	seenB := map[objects.ObjectID]bool{tipB: true}
	order := map[objects.ObjectID]int{tipA: 0, tipB: 1}
	next := 2

	frontierA := []objects.ObjectID{tipA}
	frontierB := []objects.ObjectID{tipB}

	for len(frontierA) > 0 || len(frontierB) > 0 {
		var candidates []objects.ObjectID

		if len(frontierA) > 0 {
			hits, rest, err := expandFrontier(walker, frontierA, seenA, seenB, order, &next)
			if err != nil {
				return objects.ObjectID{}, err
			}
			frontierA = rest
			candidates = append(candidates, hits...)
		}
		if len(frontierB) > 0 {
			hits, rest, err := expandFrontier(walker, frontierB, seenB, seenA, order, &next)
			if err != nil {
				return objects.ObjectID{}, err
			}
			frontierB = rest
			candidates = append(candidates, hits...)
		}

		if len(candidates) > 0 {
			best := candidates[0]
			for _, c := range candidates[1:] {
				if order[c] < order[best] {
					best = c
				}
			}
			return best, nil
		}
	}
	return objects.ObjectID{}, ErrNoCommonAncestor
}

// expandFrontier walks one BFS level for a single side, returning any
// newly-discovered commits already seen by the other side (hits) and
// the next level's frontier (rest).
func expandFrontier(
	walker refs.AncestryWalker,
	frontier []objects.ObjectID,
	seenSelf, seenOther map[objects.ObjectID]bool,
	order map[objects.ObjectID]int,
	next *int,
) (hits, rest []objects.ObjectID, err error) {
	for _, sha := range frontier {
		parents, err := walker.Parents(sha)
		if err != nil {
			return nil, nil, fmt.Errorf("diff: merge-base: %w", err)
		}
		for _, p := range parents {
			if seenSelf[p] {
				continue
			}
			seenSelf[p] = true
			if _, ok := order[p]; !ok {
				order[p] = *next
				*next++
			}
			rest = append(rest, p)
			if seenOther[p] {
				hits = append(hits, p)
			}
		}
	}
	return hits, rest, nil
}
