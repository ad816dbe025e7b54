// Package mirror implements pull/push/bidirectional ref reconciliation
// between a local repository and a remote Smart HTTP endpoint (§4.J).
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitvault/server/internal/diff"
	"github.com/gitvault/server/internal/metrics"
	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/smarthttp"
	"github.com/gitvault/server/internal/transport"
)

// Direction selects which side of the sync moves refs.
type Direction string

const (
	DirectionPull          Direction = "pull"
	DirectionPush          Direction = "push"
	DirectionBidirectional Direction = "bidirectional"
)

// ConflictStrategy resolves a diverged ref (local and remote moved to
// different, non-ancestor commits).
type ConflictStrategy string

const (
	// StrategyForceRemote overwrites local on pull, and is a no-op on
	// push (the remote's value wins either way).
	StrategyForceRemote ConflictStrategy = "force-remote"
	// StrategyForceLocal overwrites remote on push, and is a no-op on
	// pull (the local value wins either way).
	StrategyForceLocal ConflictStrategy = "force-local"
	// StrategySkip leaves the ref diverged on both sides.
	StrategySkip ConflictStrategy = "skip"
	// StrategyError aborts the sync the moment a divergence is found.
	StrategyError ConflictStrategy = "error"
)

// ErrDiverged is returned when StrategyError encounters a diverged ref.
var ErrDiverged = errors.New("mirror: ref diverged")

// RefResult reports what happened to a single ref during one sync,
// classified as up-to-date (Updated=false, Conflict=false),
// new-ref/fast-forward (Updated=true, FastForward=true), or diverged
// (Conflict=true, Resolution set to the strategy that was applied).
type RefResult struct {
	Ref         string
	Prev        objects.ObjectID
	New         objects.ObjectID
	Updated     bool
	FastForward bool
	Conflict    bool
	Resolution  string
}

// Result summarizes one Sync call.
type Result struct {
	Success        bool
	RefsUpdated    int
	RefsSkipped    int
	ObjectsFetched int
	PerRef         []RefResult
}

// Options configures one sync.
type Options struct {
	Direction Direction
	Conflict  ConflictStrategy
	Filter    *diff.Pathspec // include/exclude glob over ref names
}

// ObjectStore is the read/write/enumerate contract mirror needs from
// the local tiered store.
type ObjectStore interface {
	smarthttp.ObjectGetter
	Put(ctx context.Context, typ objects.ObjectType, content []byte) (objects.ObjectID, error)
}

// Syncer reconciles a local repository against one remote.
type Syncer struct {
	Local      *refs.Store
	LocalStore ObjectStore
	Remote     *transport.Client
	Log        *zap.Logger
	// Metrics is optional; when set, Sync reports its direction,
	// outcome, and duration against it.
	Metrics *metrics.Registry
}

// NewSyncer wires a syncer; log may be nil.
func NewSyncer(local *refs.Store, localStore ObjectStore, remote *transport.Client, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{Local: local, LocalStore: localStore, Remote: remote, Log: log}
}

// Sync runs opts.Direction against remote, applying opts.Conflict to
// any diverged ref.
func (s *Syncer) Sync(ctx context.Context, opts Options) (Result, error) {
	started := time.Now()
	result, err := s.sync(ctx, opts)
	s.recordSync(opts.Direction, err, time.Since(started))
	return result, err
}

func (s *Syncer) sync(ctx context.Context, opts Options) (Result, error) {
	switch opts.Direction {
	case DirectionPull:
		return s.pull(ctx, opts)
	case DirectionPush:
		return s.push(ctx, opts)
	case DirectionBidirectional:
		pullResult, err := s.pull(ctx, opts)
		if err != nil {
			return pullResult, err
		}
		pushResult, err := s.push(ctx, opts)
		if err != nil {
			return pushResult, err
		}
		return mergeResults(pullResult, pushResult), nil
	default:
		return Result{}, fmt.Errorf("mirror: unknown direction %q", opts.Direction)
	}
}

func (s *Syncer) recordSync(dir Direction, err error, elapsed time.Duration) {
	if s.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.Metrics.MirrorSyncs.WithLabelValues(string(dir), outcome).Inc()
	s.Metrics.MirrorDuration.Observe(elapsed.Seconds())
}

func mergeResults(a, b Result) Result {
	return Result{
		Success:        a.Success && b.Success,
		RefsUpdated:    a.RefsUpdated + b.RefsUpdated,
		RefsSkipped:    a.RefsSkipped + b.RefsSkipped,
		ObjectsFetched: a.ObjectsFetched + b.ObjectsFetched,
		PerRef:         append(append([]RefResult{}, a.PerRef...), b.PerRef...),
	}
}

func (s *Syncer) localRefMap() (map[string]objects.ObjectID, error) {
	all, err := s.Local.ListRefs("")
	if err != nil {
		return nil, fmt.Errorf("mirror: list local refs: %w", err)
	}
	out := make(map[string]objects.ObjectID, len(all))
	for _, ref := range all {
		if ref.Kind != refs.KindDirect || ref.Name == "HEAD" {
			continue
		}
		id, err := objects.NewObjectID(ref.Target)
		if err != nil {
			continue
		}
		out[ref.Name] = id
	}
	return out, nil
}

// pull discovers the remote's refs, fetches what's missing, and
// reconciles local refs toward them.
func (s *Syncer) pull(ctx context.Context, opts Options) (Result, error) {
	ad, err := s.Remote.DiscoverRefs(ctx, "git-upload-pack")
	if err != nil {
		return Result{}, fmt.Errorf("mirror: pull: discover refs: %w", err)
	}
	localRefs, err := s.localRefMap()
	if err != nil {
		return Result{}, err
	}

	names := filterRefNames(ad.Refs, opts.Filter)

	var wants, haves []objects.ObjectID
	for _, name := range names {
		remoteSHA := ad.Refs[name]
		if localSHA, ok := localRefs[name]; !ok || localSHA != remoteSHA {
			wants = append(wants, remoteSHA)
		}
	}
	for _, sha := range localRefs {
		haves = append(haves, sha)
	}

	var objectsFetched int
	if len(wants) > 0 {
		resolved, err := s.Remote.Fetch(ctx, s.LocalStore, wants, haves, ad.Capabilities)
		if err != nil {
			return Result{}, fmt.Errorf("mirror: pull: fetch: %w", err)
		}
		objectsFetched = len(resolved)
	}

	walker := diff.NewCommitWalker(ctx, s.LocalStore)

	// Ancestry checks for refs that exist on both sides and differ are
	// independent of one another, so they run concurrently, bounded,
	// before the sequential mutation pass below.
	var toCheck []string
	for _, name := range names {
		localSHA, exists := localRefs[name]
		if exists && localSHA != ad.Refs[name] {
			toCheck = append(toCheck, name)
		}
	}
	fastForward, err := classifyFastForward(ctx, walker, toCheck, func(name string) (candidate, tip objects.ObjectID) {
		return localRefs[name], ad.Refs[name]
	})
	if err != nil {
		return Result{}, fmt.Errorf("mirror: pull: ancestry: %w", err)
	}

	result := Result{Success: true}
	for _, name := range names {
		remoteSHA := ad.Refs[name]
		localSHA, exists := localRefs[name]

		rr := RefResult{Ref: name, New: remoteSHA}
		if exists {
			rr.Prev = localSHA
		}

		switch {
		case exists && localSHA == remoteSHA:
			result.PerRef = append(result.PerRef, rr)
			continue

		case !exists:
			if err := s.Local.SetRef(name, remoteSHA, nil); err != nil {
				return result, fmt.Errorf("mirror: pull: create %s: %w", name, err)
			}
			rr.Updated = true
			rr.FastForward = true
			result.RefsUpdated++
			result.PerRef = append(result.PerRef, rr)
			continue
		}

		if fastForward[name] {
			if err := s.Local.SetRef(name, remoteSHA, &localSHA); err != nil {
				return result, fmt.Errorf("mirror: pull: fast-forward %s: %w", name, err)
			}
			rr.Updated = true
			rr.FastForward = true
			result.RefsUpdated++
			result.PerRef = append(result.PerRef, rr)
			continue
		}

		rr.Conflict = true
		switch opts.Conflict {
		case StrategyForceRemote:
			if err := s.Local.SetRef(name, remoteSHA, &localSHA); err != nil {
				return result, fmt.Errorf("mirror: pull: force-remote %s: %w", name, err)
			}
			rr.Updated = true
			rr.Resolution = string(StrategyForceRemote)
			result.RefsUpdated++
		case StrategyForceLocal, StrategySkip:
			rr.Resolution = string(opts.Conflict)
			result.RefsSkipped++
		case StrategyError:
			return result, fmt.Errorf("%w: %s (local=%s remote=%s)", ErrDiverged, name, localSHA, remoteSHA)
		default:
			return result, fmt.Errorf("mirror: unknown conflict strategy %q", opts.Conflict)
		}
		result.PerRef = append(result.PerRef, rr)
	}

	result.ObjectsFetched = objectsFetched
	return result, nil
}

// push is pull's mirror image: it discovers the remote's refs, figures
// out which local refs the remote needs moved, and sends commands plus
// whatever objects the remote is missing.
func (s *Syncer) push(ctx context.Context, opts Options) (Result, error) {
	ad, err := s.Remote.DiscoverRefs(ctx, "git-receive-pack")
	if err != nil {
		return Result{}, fmt.Errorf("mirror: push: discover refs: %w", err)
	}
	localRefs, err := s.localRefMap()
	if err != nil {
		return Result{}, err
	}

	names := filterRefNames(localRefs, opts.Filter)
	walker := diff.NewCommitWalker(ctx, s.LocalStore)

	var toCheck []string
	for _, name := range names {
		remoteSHA, exists := ad.Refs[name]
		if exists && remoteSHA != localRefs[name] {
			toCheck = append(toCheck, name)
		}
	}
	fastForward, err := classifyFastForward(ctx, walker, toCheck, func(name string) (candidate, tip objects.ObjectID) {
		return ad.Refs[name], localRefs[name]
	})
	if err != nil {
		return Result{}, fmt.Errorf("mirror: push: ancestry: %w", err)
	}

	result := Result{Success: true}
	var commands []smarthttp.RefCommand
	var pending []RefResult

	for _, name := range names {
		localSHA := localRefs[name]
		remoteSHA, exists := ad.Refs[name]

		rr := RefResult{Ref: name, New: localSHA}
		if exists {
			rr.Prev = remoteSHA
		}

		oldSHA := zeroID
		if exists {
			oldSHA = remoteSHA
		}

		switch {
		case exists && remoteSHA == localSHA:
			result.PerRef = append(result.PerRef, rr)
			continue

		case !exists:
			commands = append(commands, smarthttp.RefCommand{OldSHA: zeroID, NewSHA: localSHA, Ref: name})
			rr.Updated = true
			rr.FastForward = true
			pending = append(pending, rr)
			continue
		}

		if fastForward[name] {
			commands = append(commands, smarthttp.RefCommand{OldSHA: oldSHA, NewSHA: localSHA, Ref: name})
			rr.Updated = true
			rr.FastForward = true
			pending = append(pending, rr)
			continue
		}

		rr.Conflict = true
		switch opts.Conflict {
		case StrategyForceLocal:
			commands = append(commands, smarthttp.RefCommand{OldSHA: oldSHA, NewSHA: localSHA, Ref: name})
			rr.Updated = true
			rr.Resolution = string(StrategyForceLocal)
			pending = append(pending, rr)
		case StrategyForceRemote, StrategySkip:
			rr.Resolution = string(opts.Conflict)
			result.RefsSkipped++
			result.PerRef = append(result.PerRef, rr)
		case StrategyError:
			return result, fmt.Errorf("%w: %s (local=%s remote=%s)", ErrDiverged, name, localSHA, remoteSHA)
		default:
			return result, fmt.Errorf("mirror: unknown conflict strategy %q", opts.Conflict)
		}
	}

	if len(commands) == 0 {
		return result, nil
	}

	missing, err := missingObjects(ctx, s.LocalStore, commands, ad.Refs)
	if err != nil {
		return result, fmt.Errorf("mirror: push: compute missing objects: %w", err)
	}

	pushResults, err := s.Remote.Push(ctx, s.LocalStore, commands, missing, ad.Capabilities)
	if err != nil {
		return result, fmt.Errorf("mirror: push: %w", err)
	}
	byRef := make(map[string]error, len(pushResults))
	for _, pr := range pushResults {
		byRef[pr.Ref] = pr.Err
	}

	for _, rr := range pending {
		if err := byRef[rr.Ref]; err != nil {
			rr.Updated = false
			rr.Conflict = true
			rr.Resolution = "rejected: " + err.Error()
			result.RefsSkipped++
		} else {
			result.RefsUpdated++
		}
		result.PerRef = append(result.PerRef, rr)
	}

	return result, nil
}

var zeroID = mustZeroID()

func mustZeroID() objects.ObjectID {
	id, err := objects.NewObjectID("0000000000000000000000000000000000000000")
	if err != nil {
		panic(err)
	}
	return id
}

// missingObjects walks the closure reachable from each command's new
// sha, stopping at whatever the remote already has (its current refs,
// treated as haves).
func missingObjects(ctx context.Context, store ObjectStore, commands []smarthttp.RefCommand, remoteRefs map[string]objects.ObjectID) ([]objects.ObjectID, error) {
	var wants, haves []objects.ObjectID
	for _, cmd := range commands {
		if !cmd.IsDelete() {
			wants = append(wants, cmd.NewSHA)
		}
	}
	for _, sha := range remoteRefs {
		haves = append(haves, sha)
	}

	enum := smarthttp.NewEnumerator(store)
	return enum.MissingClosure(ctx, wants, haves)
}

// classifyFastForward runs isAncestor for every name in names
// concurrently (bounded), using pair to pick the candidate/tip shas for
// each name. Results come back keyed by name; an error from any walk
// aborts the whole batch.
func classifyFastForward(ctx context.Context, walker *diff.CommitWalker, names []string, pair func(name string) (candidate, tip objects.ObjectID)) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	if len(names) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		name := name
		candidate, tip := pair(name)
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			ff, err := isAncestor(walker, candidate, tip)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			mu.Lock()
			out[name] = ff
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func isAncestor(walker *diff.CommitWalker, candidate, tip objects.ObjectID) (bool, error) {
	if candidate == tip {
		return true, nil
	}
	visited := map[objects.ObjectID]bool{tip: true}
	queue := []objects.ObjectID{tip}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents, err := walker.Parents(cur)
		if err != nil {
			// cur isn't a commit we have locally (or isn't a commit at
			// all) — treat this branch of the walk as exhausted rather
			// than failing the whole sync.
			continue
		}
		for _, p := range parents {
			if p == candidate {
				return true, nil
			}
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

func filterRefNames(refMap map[string]objects.ObjectID, filter *diff.Pathspec) []string {
	names := make([]string, 0, len(refMap))
	for name := range refMap {
		if filter.Match(name) {
			names = append(names, name)
		}
	}
	return names
}
