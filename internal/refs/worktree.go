package refs

import (
	"database/sql"
	"errors"
	"fmt"
	"path"

	"github.com/gitvault/server/internal/objects"
)

// ErrWorktreeBranchInUse is returned by AddWorktree when the requested
// branch already heads another live (unlocked) worktree and force was
// not given.
var ErrWorktreeBranchInUse = errors.New("refs: branch already checked out in another worktree")

// Worktree is one linked worktree's metadata row.
type Worktree struct {
	Path       string
	HeadRef    string // empty when detached
	HeadSHA    string
	Locked     bool
	LockReason string
}

func normalizeWorktreePath(p string) string {
	return path.Clean(p)
}

// AddWorktree records a new worktree rooted at p with the given head
// state, storing refs/worktrees/<normalized-path>/HEAD alongside the
// side table row. At most one live (unlocked) worktree may have a
// given branch as its head_ref, unless force is set.
func (s *Store) AddWorktree(p string, headRef string, headSHA objects.ObjectID, force bool) error {
	norm := normalizeWorktreePath(p)

	if headRef != "" && !force {
		existing, err := s.ListWorktrees()
		if err != nil {
			return err
		}
		for _, w := range existing {
			if w.HeadRef == headRef && !w.Locked {
				return fmt.Errorf("%w: %s", ErrWorktreeBranchInUse, headRef)
			}
		}
	}

	refName := fmt.Sprintf("refs/worktrees/%s/HEAD", norm)
	if headRef != "" {
		if err := s.SetSymbolic(refName, headRef); err != nil {
			return err
		}
	} else {
		if err := s.SetRef(refName, headSHA, nil); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO worktrees (path, head_ref, head_sha, locked, lock_reason) VALUES (?, ?, ?, 0, '')
		ON CONFLICT(path) DO UPDATE SET head_ref = excluded.head_ref, head_sha = excluded.head_sha
	`, norm, headRef, headSHA.String())
	if err != nil {
		return fmt.Errorf("refs: add worktree %s: %w", norm, err)
	}
	return nil
}

// ListWorktrees returns every recorded worktree.
func (s *Store) ListWorktrees() ([]Worktree, error) {
	rows, err := s.db.Query(`SELECT path, head_ref, head_sha, locked, lock_reason FROM worktrees ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("refs: list worktrees: %w", err)
	}
	defer rows.Close()

	var out []Worktree
	for rows.Next() {
		var w Worktree
		var locked int
		var reason sql.NullString
		if err := rows.Scan(&w.Path, &w.HeadRef, &w.HeadSHA, &locked, &reason); err != nil {
			return nil, fmt.Errorf("refs: scan worktree: %w", err)
		}
		w.Locked = locked != 0
		w.LockReason = reason.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// LockWorktree marks a worktree locked with an explanatory reason,
// exempting its branch from the one-worktree-per-branch rule.
func (s *Store) LockWorktree(p, reason string) error {
	norm := normalizeWorktreePath(p)
	res, err := s.db.Exec(`UPDATE worktrees SET locked = 1, lock_reason = ? WHERE path = ?`, reason, norm)
	if err != nil {
		return fmt.Errorf("refs: lock worktree %s: %w", norm, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("refs: no such worktree %s", norm)
	}
	return nil
}

// UnlockWorktree clears a worktree's locked flag.
func (s *Store) UnlockWorktree(p string) error {
	norm := normalizeWorktreePath(p)
	res, err := s.db.Exec(`UPDATE worktrees SET locked = 0, lock_reason = '' WHERE path = ?`, norm)
	if err != nil {
		return fmt.Errorf("refs: unlock worktree %s: %w", norm, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("refs: no such worktree %s", norm)
	}
	return nil
}

// MoveWorktree relocates a worktree's recorded path, carrying its
// refs/worktrees/<path>/HEAD entry to the new normalized path.
func (s *Store) MoveWorktree(oldPath, newPath string) error {
	oldNorm, newNorm := normalizeWorktreePath(oldPath), normalizeWorktreePath(newPath)

	oldRef := fmt.Sprintf("refs/worktrees/%s/HEAD", oldNorm)
	ref, err := s.GetRef(oldRef)
	if err != nil {
		return err
	}
	newRef := fmt.Sprintf("refs/worktrees/%s/HEAD", newNorm)
	if ref.Kind == KindSymbolic {
		if err := s.SetSymbolic(newRef, ref.Target); err != nil {
			return err
		}
	} else {
		sha, err := objects.NewObjectID(ref.Target)
		if err != nil {
			return err
		}
		if err := s.SetRef(newRef, sha, nil); err != nil {
			return err
		}
	}
	if err := s.DeleteRef(oldRef); err != nil {
		return err
	}

	_, err = s.db.Exec(`UPDATE worktrees SET path = ? WHERE path = ?`, newNorm, oldNorm)
	if err != nil {
		return fmt.Errorf("refs: move worktree %s -> %s: %w", oldNorm, newNorm, err)
	}
	return nil
}

// PruneWorktrees removes worktree rows (and their HEAD refs) whose path
// is reported stale by exists, e.g. the working directory no longer
// present on disk. The refs store has no filesystem access itself, so
// the staleness check is supplied by the caller.
func (s *Store) PruneWorktrees(exists func(path string) bool) (int, error) {
	all, err := s.ListWorktrees()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, w := range all {
		if w.Locked || exists(w.Path) {
			continue
		}
		refName := fmt.Sprintf("refs/worktrees/%s/HEAD", w.Path)
		if err := s.DeleteRef(refName); err != nil && !errors.Is(err, ErrRefNotFound) {
			return pruned, err
		}
		if _, err := s.db.Exec(`DELETE FROM worktrees WHERE path = ?`, w.Path); err != nil {
			return pruned, fmt.Errorf("refs: prune worktree %s: %w", w.Path, err)
		}
		pruned++
	}
	return pruned, nil
}
