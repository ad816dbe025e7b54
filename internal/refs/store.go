// Package refs implements the reference store: direct and symbolic
// refs, HEAD, branch/tag/worktree operations, and tracking metadata,
// backed by a transactional local SQL table instead of loose files.
package refs

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gitvault/server/internal/objects"
)

// Kind distinguishes a direct ref (pointing at a sha) from a symbolic
// one (pointing at another ref name).
type Kind string

const (
	KindDirect   Kind = "direct"
	KindSymbolic Kind = "symbolic"
)

// Ref is a single reference row.
type Ref struct {
	Name   string
	Kind   Kind
	Target string // sha hex for direct, ref name for symbolic
}

var (
	// ErrRefNotFound is returned when a named ref does not exist.
	ErrRefNotFound = errors.New("refs: ref not found")
	// ErrRefLockConflict is returned by a CAS-guarded update whose
	// expected previous value does not match the stored one.
	ErrRefLockConflict = errors.New("refs: CAS conflict, expected value does not match")
	// ErrAlreadyExists is returned by create operations when the
	// target already exists and force was not requested.
	ErrAlreadyExists = errors.New("refs: already exists")
	// ErrCurrentBranch is returned when an operation would delete or
	// rename the branch HEAD currently points at.
	ErrCurrentBranch = errors.New("refs: refusing to operate on current branch")
	// ErrNotMerged is returned by Delete when check_merged is set and
	// the branch is not an ancestor of the default branch.
	ErrNotMerged = errors.New("refs: branch is not fully merged")
)

// Store is the transactional ref store, backed by a local SQL table
// (sqlite3 in the default deployment, matching the store's hot tier).
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open wraps an already-migrated *sql.DB. Migrate should be called once
// at startup before Open is used concurrently.
func Open(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// Migrate creates the ref store's tables if they do not already exist.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS refs (
			name   TEXT PRIMARY KEY,
			kind   TEXT NOT NULL,
			target TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tracking (
			branch        TEXT PRIMARY KEY,
			remote        TEXT NOT NULL,
			remote_branch TEXT NOT NULL,
			ahead         INTEGER NOT NULL DEFAULT 0,
			behind        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			path        TEXT PRIMARY KEY,
			head_ref    TEXT,
			head_sha    TEXT,
			locked      INTEGER NOT NULL DEFAULT 0,
			lock_reason TEXT
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("refs: migrate: %w", err)
		}
	}
	return nil
}

// GetRef reads a ref row verbatim, without following symbolic chains.
func (s *Store) GetRef(name string) (Ref, error) {
	var kind, target string
	err := s.db.QueryRow(`SELECT kind, target FROM refs WHERE name = ?`, name).Scan(&kind, &target)
	if err == sql.ErrNoRows {
		return Ref{}, fmt.Errorf("%w: %s", ErrRefNotFound, name)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("refs: get %s: %w", name, err)
	}
	return Ref{Name: name, Kind: Kind(kind), Target: target}, nil
}

// Resolve follows symbolic refs (bounded to avoid infinite loops on a
// corrupt chain) and returns the final sha.
func (s *Store) Resolve(name string) (objects.ObjectID, error) {
	const maxHops = 50
	cur := name
	for i := 0; i < maxHops; i++ {
		ref, err := s.GetRef(cur)
		if err != nil {
			return objects.ObjectID{}, err
		}
		if ref.Kind == KindDirect {
			return objects.NewObjectID(ref.Target)
		}
		cur = ref.Target
	}
	return objects.ObjectID{}, fmt.Errorf("refs: symbolic ref chain too deep starting at %s", name)
}

// SetRef performs a CAS-guarded write of a direct ref. A nil
// expectedPrev makes the write unconditional; a non-nil one fails with
// ErrRefLockConflict if the stored sha differs.
func (s *Store) SetRef(name string, newSHA objects.ObjectID, expectedPrev *objects.ObjectID) error {
	if err := Validate(name); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("refs: begin: %w", err)
	}
	defer tx.Rollback()

	var curTarget string
	var curKind string
	err = tx.QueryRow(`SELECT kind, target FROM refs WHERE name = ?`, name).Scan(&curKind, &curTarget)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("refs: set %s: %w", name, err)
	}

	if expectedPrev != nil {
		if !exists {
			return fmt.Errorf("%w: %s has no current value", ErrRefLockConflict, name)
		}
		if curKind != string(KindDirect) || curTarget != expectedPrev.String() {
			return fmt.Errorf("%w: %s", ErrRefLockConflict, name)
		}
	}

	if exists {
		_, err = tx.Exec(`UPDATE refs SET kind = ?, target = ? WHERE name = ?`, KindDirect, newSHA.String(), name)
	} else {
		_, err = tx.Exec(`INSERT INTO refs (name, kind, target) VALUES (?, ?, ?)`, name, KindDirect, newSHA.String())
	}
	if err != nil {
		return fmt.Errorf("refs: set %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("refs: commit set %s: %w", name, err)
	}
	s.log.Info("ref updated", zap.String("ref", name), zap.String("sha", newSHA.String()))
	return nil
}

// DeleteRef removes a ref row outright (used internally by branch/tag
// delete, and by receive-pack's new_sha=zero command).
func (s *Store) DeleteRef(name string) error {
	res, err := s.db.Exec(`DELETE FROM refs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("refs: delete %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRefNotFound, name)
	}
	return nil
}

// SetSymbolic points name at target (another ref name), e.g. HEAD at
// refs/heads/main.
func (s *Store) SetSymbolic(name, target string) error {
	_, err := s.db.Exec(`
		INSERT INTO refs (name, kind, target) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET kind = excluded.kind, target = excluded.target
	`, name, KindSymbolic, target)
	if err != nil {
		return fmt.Errorf("refs: set symbolic %s -> %s: %w", name, target, err)
	}
	return nil
}

// GetSymbolic returns the immediate target of a symbolic ref, without
// following further hops.
func (s *Store) GetSymbolic(name string) (string, error) {
	ref, err := s.GetRef(name)
	if err != nil {
		return "", err
	}
	if ref.Kind != KindSymbolic {
		return "", fmt.Errorf("refs: %s is not symbolic", name)
	}
	return ref.Target, nil
}

// Head reports HEAD's resolved sha and, if HEAD is symbolic, the branch
// ref it points at (empty string when detached).
func (s *Store) Head() (sha objects.ObjectID, branch string, err error) {
	ref, err := s.GetRef("HEAD")
	if err != nil {
		return objects.ObjectID{}, "", err
	}
	if ref.Kind == KindDirect {
		id, err := objects.NewObjectID(ref.Target)
		return id, "", err
	}
	id, err := s.Resolve("HEAD")
	return id, ref.Target, err
}

// SetHeadSymbolic points HEAD at a branch ref.
func (s *Store) SetHeadSymbolic(branchRef string) error {
	return s.SetSymbolic("HEAD", branchRef)
}

// SetHeadDetached points HEAD directly at a sha.
func (s *Store) SetHeadDetached(sha objects.ObjectID) error {
	_, err := s.db.Exec(`
		INSERT INTO refs (name, kind, target) VALUES ('HEAD', ?, ?)
		ON CONFLICT(name) DO UPDATE SET kind = excluded.kind, target = excluded.target
	`, KindDirect, sha.String())
	if err != nil {
		return fmt.Errorf("refs: detach HEAD: %w", err)
	}
	return nil
}

// ListRefs returns every direct/symbolic ref whose name has the given
// prefix (empty prefix lists everything), byte-ordered by name.
func (s *Store) ListRefs(prefix string) ([]Ref, error) {
	rows, err := s.db.Query(`SELECT name, kind, target FROM refs WHERE name LIKE ? ORDER BY name`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("refs: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		var r Ref
		var kind string
		if err := rows.Scan(&r.Name, &kind, &r.Target); err != nil {
			return nil, fmt.Errorf("refs: scan: %w", err)
		}
		r.Kind = Kind(kind)
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, rows.Err()
}
