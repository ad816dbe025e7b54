// Package index implements the object-location index (§4.E): a
// sha-keyed table recording which tier, pack, and offset currently
// holds each object, backed by the same local transactional table used
// for the hot tier and ref store.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitvault/server/internal/objects"
)

// Tier identifies where an object's bytes currently live.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Location is one object-location index row.
type Location struct {
	SHA       objects.ObjectID
	Tier      Tier
	PackID    string // warm pack id, or cold file/super-chunk id; empty for hot
	Offset    int64
	Size      int64
	Type      objects.ObjectType
	UpdatedAt time.Time
}

// Index wraps the local table's location rows.
type Index struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Migrate creates the index table if it does not already exist.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS object_locations (
			sha        TEXT PRIMARY KEY,
			tier       TEXT NOT NULL,
			pack_id    TEXT NOT NULL DEFAULT '',
			offset     INTEGER NOT NULL DEFAULT 0,
			size       INTEGER NOT NULL DEFAULT 0,
			type       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	return nil
}

// Record upserts a location row. Conditional in the sense that it
// always reflects the most recent caller's view — concurrent recorders
// for the same sha converge on whichever commits last, which is safe
// because object identity (and therefore size/type) never changes for
// a given sha; only tier/pack_id/offset legitimately move.
func (ix *Index) Record(loc Location) error {
	_, err := ix.db.Exec(`
		INSERT INTO object_locations (sha, tier, pack_id, offset, size, type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha) DO UPDATE SET
			tier = excluded.tier, pack_id = excluded.pack_id, offset = excluded.offset,
			size = excluded.size, type = excluded.type, updated_at = excluded.updated_at
	`, loc.SHA.String(), string(loc.Tier), loc.PackID, loc.Offset, loc.Size, string(loc.Type), loc.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("index: record %s: %w", loc.SHA, err)
	}
	return nil
}

func scanLocation(row interface {
	Scan(dest ...any) error
}, sha objects.ObjectID) (Location, error) {
	var tier, packID, typ string
	var offset, size, updatedAt int64
	if err := row.Scan(&tier, &packID, &offset, &size, &typ, &updatedAt); err != nil {
		return Location{}, err
	}
	return Location{
		SHA: sha, Tier: Tier(tier), PackID: packID, Offset: offset, Size: size,
		Type: objects.ObjectType(typ), UpdatedAt: time.Unix(updatedAt, 0),
	}, nil
}

// ErrNotFound is returned by Lookup when sha has no recorded location.
var ErrNotFound = errors.New("index: location not found")

// Lookup returns sha's current location.
func (ix *Index) Lookup(sha objects.ObjectID) (Location, error) {
	row := ix.db.QueryRow(`SELECT tier, pack_id, offset, size, type, updated_at FROM object_locations WHERE sha = ?`, sha.String())
	loc, err := scanLocation(row, sha)
	if err == sql.ErrNoRows {
		return Location{}, ErrNotFound
	}
	if err != nil {
		return Location{}, fmt.Errorf("index: lookup %s: %w", sha, err)
	}
	return loc, nil
}

// BatchLookup partitions shas into those found and those missing.
func (ix *Index) BatchLookup(shas []objects.ObjectID) (found []Location, missing []objects.ObjectID, err error) {
	for _, sha := range shas {
		loc, err := ix.Lookup(sha)
		if err == ErrNotFound {
			missing = append(missing, sha)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		found = append(found, loc)
	}
	return found, missing, nil
}

// UpdateTier moves sha's recorded tier/pack/offset, e.g. after a flush
// promotes a hot object into a cold columnar file.
func (ix *Index) UpdateTier(sha objects.ObjectID, tier Tier, packID string, offset int64) error {
	res, err := ix.db.Exec(`UPDATE object_locations SET tier = ?, pack_id = ?, offset = ?, updated_at = ? WHERE sha = ?`,
		string(tier), packID, offset, time.Now().Unix(), sha.String())
	if err != nil {
		return fmt.Errorf("index: update tier %s: %w", sha, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes sha's location row.
func (ix *Index) Delete(sha objects.ObjectID) error {
	res, err := ix.db.Exec(`DELETE FROM object_locations WHERE sha = ?`, sha.String())
	if err != nil {
		return fmt.Errorf("index: delete %s: %w", sha, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StatsByTier returns object counts and total bytes per tier.
func (ix *Index) StatsByTier() (map[Tier]struct {
	Count int64
	Bytes int64
}, error) {
	rows, err := ix.db.Query(`SELECT tier, COUNT(*), COALESCE(SUM(size), 0) FROM object_locations GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("index: stats by tier: %w", err)
	}
	defer rows.Close()

	out := make(map[Tier]struct {
		Count int64
		Bytes int64
	})
	for rows.Next() {
		var tier string
		var count, bytes int64
		if err := rows.Scan(&tier, &count, &bytes); err != nil {
			return nil, fmt.Errorf("index: scan stats: %w", err)
		}
		out[Tier(tier)] = struct {
			Count int64
			Bytes int64
		}{count, bytes}
	}
	return out, rows.Err()
}

// ByTier lists every location currently in the given tier.
func (ix *Index) ByTier(tier Tier) ([]Location, error) {
	rows, err := ix.db.Query(`SELECT sha, tier, pack_id, offset, size, type, updated_at FROM object_locations WHERE tier = ?`, string(tier))
	if err != nil {
		return nil, fmt.Errorf("index: by tier %s: %w", tier, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// All lists every recorded location, for GC's mark-and-sweep scan.
func (ix *Index) All() ([]Location, error) {
	rows, err := ix.db.Query(`SELECT sha, tier, pack_id, offset, size, type, updated_at FROM object_locations`)
	if err != nil {
		return nil, fmt.Errorf("index: all: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ByPack lists every location in the given pack/file id, ordered by
// offset (so warm-tier readers can stream a pack sequentially).
func (ix *Index) ByPack(packID string) ([]Location, error) {
	rows, err := ix.db.Query(`SELECT sha, tier, pack_id, offset, size, type, updated_at FROM object_locations WHERE pack_id = ? ORDER BY offset`, packID)
	if err != nil {
		return nil, fmt.Errorf("index: by pack %s: %w", packID, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]Location, error) {
	var out []Location
	for rows.Next() {
		var shaHex, tier, packID, typ string
		var offset, size, updatedAt int64
		if err := rows.Scan(&shaHex, &tier, &packID, &offset, &size, &typ, &updatedAt); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		id, err := objects.NewObjectID(shaHex)
		if err != nil {
			return nil, fmt.Errorf("index: bad sha %q: %w", shaHex, err)
		}
		out = append(out, Location{
			SHA: id, Tier: Tier(tier), PackID: packID, Offset: offset, Size: size,
			Type: objects.ObjectType(typ), UpdatedAt: time.Unix(updatedAt, 0),
		})
	}
	return out, rows.Err()
}
