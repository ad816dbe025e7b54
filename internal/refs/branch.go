package refs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gitvault/server/internal/objects"
)

// AncestryWalker resolves a commit's parents, used by Delete's
// check_merged ancestry walk. internal/diff implements this over the
// object store; refs only needs the narrow contract.
type AncestryWalker interface {
	Parents(sha objects.ObjectID) ([]objects.ObjectID, error)
}

// CreateBranch validates name, resolves startPoint (direct sha hex ⇒
// that sha; else refs/heads/<x>; else refs/remotes/<x>; else the name
// taken as a full ref; failing all of those, an error), and creates
// refs/heads/<name> unless it exists and force is false.
func (s *Store) CreateBranch(name, startPoint string, force bool) error {
	if err := ValidateShortName(name); err != nil {
		return err
	}
	refName := "refs/heads/" + name

	if !force {
		if _, err := s.GetRef(refName); err == nil {
			return fmt.Errorf("%w: branch %s", ErrAlreadyExists, name)
		}
	}

	sha, err := s.resolveStartPoint(startPoint)
	if err != nil {
		return err
	}
	return s.SetRef(refName, sha, nil)
}

// resolveStartPoint implements the tie-break order from §4.F create():
// a direct 40-hex sha match, else refs/heads/<x>, else
// refs/remotes/<x>, else the literal name as a full ref.
func (s *Store) resolveStartPoint(startPoint string) (objects.ObjectID, error) {
	if startPoint == "" {
		return s.Resolve("HEAD")
	}
	if id, err := objects.NewObjectID(startPoint); err == nil {
		return id, nil
	}
	for _, candidate := range []string{"refs/heads/" + startPoint, "refs/remotes/" + startPoint, startPoint} {
		if id, err := s.Resolve(candidate); err == nil {
			return id, nil
		}
	}
	return objects.ObjectID{}, fmt.Errorf("%w: start point %q not found", ErrRefNotFound, startPoint)
}

// DeleteBranch removes refs/heads/<name>. It refuses to delete the
// branch HEAD currently points at, and — when checkMerged is set and
// force is not — refuses unless the branch is a real ancestor of the
// default branch (walked via walker), per the Open Question decision to
// replace the naive sha-equality check with an actual reachability
// walk.
func (s *Store) DeleteBranch(name string, force, checkMerged bool, defaultBranch string, walker AncestryWalker) error {
	refName := "refs/heads/" + name

	_, curBranch, err := s.Head()
	if err != nil {
		return err
	}
	if curBranch == refName {
		return fmt.Errorf("%w: %s", ErrCurrentBranch, name)
	}

	ref, err := s.GetRef(refName)
	if err != nil {
		return err
	}

	if checkMerged && !force {
		defaultSHA, err := s.Resolve("refs/heads/" + defaultBranch)
		if err != nil {
			return fmt.Errorf("refs: resolve default branch %s: %w", defaultBranch, err)
		}
		branchSHA, err := objects.NewObjectID(ref.Target)
		if err != nil {
			return err
		}
		merged, err := isAncestor(walker, branchSHA, defaultSHA)
		if err != nil {
			return fmt.Errorf("refs: ancestry check: %w", err)
		}
		if !merged {
			return fmt.Errorf("%w: %s", ErrNotMerged, name)
		}
	}

	return s.DeleteRef(refName)
}

// isAncestor reports whether candidate is tip itself or an ancestor of
// it, via BFS over parent links starting at tip.
func isAncestor(walker AncestryWalker, candidate, tip objects.ObjectID) (bool, error) {
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
			return false, err
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

// RenameBranch renames oldName (empty ⇒ current branch) to newName,
// transferring tracking info and updating HEAD if the current branch
// was renamed.
func (s *Store) RenameBranch(oldName, newName string, force bool) error {
	if err := ValidateShortName(newName); err != nil {
		return err
	}
	newRef := "refs/heads/" + newName

	_, curBranch, err := s.Head()
	if err != nil {
		return err
	}

	oldRef := curBranch
	if oldName != "" {
		oldRef = "refs/heads/" + oldName
	}
	if oldRef == "" {
		return fmt.Errorf("refs: HEAD is detached, no current branch to rename")
	}

	if !force {
		if _, err := s.GetRef(newRef); err == nil {
			return fmt.Errorf("%w: branch %s", ErrAlreadyExists, newName)
		}
	}

	ref, err := s.GetRef(oldRef)
	if err != nil {
		return err
	}
	sha, err := objects.NewObjectID(ref.Target)
	if err != nil {
		return err
	}

	if err := s.SetRef(newRef, sha, nil); err != nil {
		return err
	}
	if err := s.DeleteRef(oldRef); err != nil {
		return err
	}

	if tr, err := s.GetTracking(strings.TrimPrefix(oldRef, "refs/heads/")); err == nil {
		_ = s.SetTracking(newName, tr.Remote, tr.RemoteBranch)
		_, _ = s.db.Exec(`DELETE FROM tracking WHERE branch = ?`, strings.TrimPrefix(oldRef, "refs/heads/"))
	}

	if curBranch == oldRef {
		return s.SetHeadSymbolic(newRef)
	}
	return nil
}

// Checkout moves HEAD. When detach && sha is set, HEAD becomes direct.
// Otherwise, it resolves (creating if requested) the named branch and
// points HEAD at it symbolically, optionally recording tracking info.
func (s *Store) Checkout(name string, sha *objects.ObjectID, create, detach bool, track *Tracking, startPoint string) error {
	if detach && sha != nil {
		return s.SetHeadDetached(*sha)
	}

	refName := "refs/heads/" + name
	if create {
		if err := s.CreateBranch(name, startPoint, false); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
	}
	if _, err := s.GetRef(refName); err != nil {
		return err
	}
	if err := s.SetHeadSymbolic(refName); err != nil {
		return err
	}
	if track != nil {
		return s.SetTracking(name, track.Remote, track.RemoteBranch)
	}
	return nil
}

// Tracking records a branch's upstream remote-tracking state.
type Tracking struct {
	Branch       string
	Remote       string
	RemoteBranch string
	Ahead        int
	Behind       int
}

// SetTracking records the upstream remote/branch for a local branch,
// leaving ahead/behind at zero until a walker updates them.
func (s *Store) SetTracking(branch, remote, remoteBranch string) error {
	_, err := s.db.Exec(`
		INSERT INTO tracking (branch, remote, remote_branch, ahead, behind) VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(branch) DO UPDATE SET remote = excluded.remote, remote_branch = excluded.remote_branch
	`, branch, remote, remoteBranch)
	if err != nil {
		return fmt.Errorf("refs: set tracking for %s: %w", branch, err)
	}
	return nil
}

// UpdateAheadBehind sets the ahead/behind counts maintained externally
// by a walker (e.g. after a fetch).
func (s *Store) UpdateAheadBehind(branch string, ahead, behind int) error {
	res, err := s.db.Exec(`UPDATE tracking SET ahead = ?, behind = ? WHERE branch = ?`, ahead, behind, branch)
	if err != nil {
		return fmt.Errorf("refs: update ahead/behind for %s: %w", branch, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("refs: no tracking info for %s", branch)
	}
	return nil
}

// GetTracking returns the tracking info recorded for a branch.
func (s *Store) GetTracking(branch string) (Tracking, error) {
	var t Tracking
	t.Branch = branch
	err := s.db.QueryRow(`SELECT remote, remote_branch, ahead, behind FROM tracking WHERE branch = ?`, branch).
		Scan(&t.Remote, &t.RemoteBranch, &t.Ahead, &t.Behind)
	if err == nil {
		return t, nil
	}
	return Tracking{}, fmt.Errorf("refs: no tracking info for %s", branch)
}
