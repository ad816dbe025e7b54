package index

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/objects"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func TestRecordLookupDelete(t *testing.T) {
	ix := newTestIndex(t)
	sha := objects.ComputeHash(objects.TypeBlob, []byte("x"))

	_, err := ix.Lookup(sha)
	assert.ErrorIs(t, err, ErrNotFound)

	loc := Location{SHA: sha, Tier: TierHot, Size: 1, Type: objects.TypeBlob, UpdatedAt: time.Now()}
	require.NoError(t, ix.Record(loc))

	got, err := ix.Lookup(sha)
	require.NoError(t, err)
	assert.Equal(t, TierHot, got.Tier)

	require.NoError(t, ix.Delete(sha))
	_, err = ix.Lookup(sha)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchLookup(t *testing.T) {
	ix := newTestIndex(t)
	present := objects.ComputeHash(objects.TypeBlob, []byte("present"))
	missing := objects.ComputeHash(objects.TypeBlob, []byte("missing"))

	require.NoError(t, ix.Record(Location{SHA: present, Tier: TierWarm, Type: objects.TypeBlob, UpdatedAt: time.Now()}))

	found, miss, err := ix.BatchLookup([]objects.ObjectID{present, missing})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Len(t, miss, 1)
	assert.Equal(t, present, found[0].SHA)
	assert.Equal(t, missing, miss[0])
}

func TestUpdateTier(t *testing.T) {
	ix := newTestIndex(t)
	sha := objects.ComputeHash(objects.TypeBlob, []byte("y"))
	require.NoError(t, ix.Record(Location{SHA: sha, Tier: TierHot, Type: objects.TypeBlob, UpdatedAt: time.Now()}))
	require.NoError(t, ix.UpdateTier(sha, TierCold, "file-1", 42))

	got, err := ix.Lookup(sha)
	require.NoError(t, err)
	assert.Equal(t, TierCold, got.Tier)
	assert.Equal(t, "file-1", got.PackID)
	assert.Equal(t, int64(42), got.Offset)
}

func TestStatsAndByTierAndByPack(t *testing.T) {
	ix := newTestIndex(t)
	a := objects.ComputeHash(objects.TypeBlob, []byte("a"))
	b := objects.ComputeHash(objects.TypeBlob, []byte("b"))
	require.NoError(t, ix.Record(Location{SHA: a, Tier: TierWarm, PackID: "p1", Offset: 0, Size: 10, Type: objects.TypeBlob, UpdatedAt: time.Now()}))
	require.NoError(t, ix.Record(Location{SHA: b, Tier: TierWarm, PackID: "p1", Offset: 10, Size: 20, Type: objects.TypeBlob, UpdatedAt: time.Now()}))

	stats, err := ix.StatsByTier()
	require.NoError(t, err)
	require.Contains(t, stats, TierWarm)
	assert.Equal(t, int64(2), stats[TierWarm].Count)
	assert.Equal(t, int64(30), stats[TierWarm].Bytes)

	byTier, err := ix.ByTier(TierWarm)
	require.NoError(t, err)
	assert.Len(t, byTier, 2)

	byPack, err := ix.ByPack("p1")
	require.NoError(t, err)
	require.Len(t, byPack, 2)
	assert.Equal(t, a, byPack[0].SHA)
	assert.Equal(t, b, byPack[1].SHA)
}
