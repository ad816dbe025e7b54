package gc

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/store/index"
)

// fakeStore is an in-memory stand-in for internal/store.Store, tracking
// just what GC needs: content, size, and a mutable updated_at used to
// simulate objects aging past the grace period.
type fakeStore struct {
	objs      map[objects.ObjectID]stored
	updatedAt map[objects.ObjectID]time.Time
	deleted   map[objects.ObjectID]bool
}

type stored struct {
	typ  objects.ObjectType
	data []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objs:      map[objects.ObjectID]stored{},
		updatedAt: map[objects.ObjectID]time.Time{},
		deleted:   map[objects.ObjectID]bool{},
	}
}

func (f *fakeStore) Get(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error) {
	s, ok := f.objs[sha]
	if !ok || f.deleted[sha] {
		return "", nil, index.ErrNotFound
	}
	return s.typ, s.data, nil
}

func (f *fakeStore) put(typ objects.ObjectType, data []byte, age time.Duration) objects.ObjectID {
	sha := objects.ComputeHash(typ, data)
	f.objs[sha] = stored{typ, data}
	f.updatedAt[sha] = time.Now().Add(-age)
	return sha
}

func (f *fakeStore) AllLocations() ([]index.Location, error) {
	var out []index.Location
	for sha, s := range f.objs {
		if f.deleted[sha] {
			continue
		}
		out = append(out, index.Location{
			SHA:       sha,
			Tier:      index.TierHot,
			Size:      int64(len(s.data)),
			Type:      s.typ,
			UpdatedAt: f.updatedAt[sha],
		})
	}
	return out, nil
}

func (f *fakeStore) Delete(ctx context.Context, sha objects.ObjectID) error {
	f.deleted[sha] = true
	return nil
}

func newTestRefStore(t *testing.T) *refs.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, refs.Migrate(db))
	return refs.Open(db, nil)
}

// buildReachableGraph puts a tree+commit pair in store, aged by age, and
// points ref at the commit. Returns the commit and blob object ids.
func buildReachableGraph(t *testing.T, store *fakeStore, ref string, refStore *refs.Store, age time.Duration) (commit, blob objects.ObjectID) {
	t.Helper()
	blob = store.put(objects.TypeBlob, []byte("content"), age)

	tree := objects.NewTree()
	require.NoError(t, tree.AddEntry(objects.ModeBlob, "f", blob))
	treeData, err := tree.Serialize()
	require.NoError(t, err)
	treeID := store.put(objects.TypeTree, treeData, age)

	sig := objects.Signature{Name: "a", Email: "a@b.c", When: time.Unix(0, 0)}
	c := objects.NewCommit(treeID, nil, sig, sig, "msg")
	commitData, err := c.Serialize()
	require.NoError(t, err)
	commit = store.put(objects.TypeCommit, commitData, age)

	require.NoError(t, refStore.SetRef(ref, commit, nil))
	return commit, blob
}

func TestRunSkipsReachableObjects(t *testing.T) {
	store := newFakeStore()
	refStore := newTestRefStore(t)
	buildReachableGraph(t, store, "refs/heads/main", refStore, 30*24*time.Hour)

	c := NewCollector(store, refStore, nil)
	report, err := c.Run(context.Background(), Options{GracePeriod: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 0, report.DeletedCount)
	assert.Equal(t, 3, report.ReachableCount)
	assert.Equal(t, 0, report.UnreferencedCount)
}

func TestRunDeletesOldUnreferencedObjects(t *testing.T) {
	store := newFakeStore()
	refStore := newTestRefStore(t)
	buildReachableGraph(t, store, "refs/heads/main", refStore, 0)

	orphan := store.put(objects.TypeBlob, []byte("orphaned"), 30*24*time.Hour)

	c := NewCollector(store, refStore, nil)
	report, err := c.Run(context.Background(), Options{GracePeriod: 14 * 24 * time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 1, report.DeletedCount)
	assert.Equal(t, 1, report.UnreferencedCount)
	_, _, err = store.Get(context.Background(), orphan)
	assert.Error(t, err)
}

func TestRunSkipsUnreferencedObjectsWithinGrace(t *testing.T) {
	store := newFakeStore()
	refStore := newTestRefStore(t)
	buildReachableGraph(t, store, "refs/heads/main", refStore, 0)

	recent := store.put(objects.TypeBlob, []byte("just dropped"), time.Hour)

	c := NewCollector(store, refStore, nil)
	report, err := c.Run(context.Background(), Options{GracePeriod: 14 * 24 * time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 0, report.DeletedCount)
	assert.Equal(t, 1, report.SkippedGrace)
	_, _, err = store.Get(context.Background(), recent)
	assert.NoError(t, err)
}

func TestRunRespectsMaxDeleteCount(t *testing.T) {
	store := newFakeStore()
	refStore := newTestRefStore(t)
	buildReachableGraph(t, store, "refs/heads/main", refStore, 0)

	store.put(objects.TypeBlob, []byte("orphan-1"), 30*24*time.Hour)
	store.put(objects.TypeBlob, []byte("orphan-2"), 30*24*time.Hour)

	c := NewCollector(store, refStore, nil)
	report, err := c.Run(context.Background(), Options{GracePeriod: 14 * 24 * time.Hour, MaxDeleteCount: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, report.DeletedCount)
	assert.Equal(t, 1, report.SkippedMax)
}

func TestRunDryRunDoesNotMutate(t *testing.T) {
	store := newFakeStore()
	refStore := newTestRefStore(t)
	buildReachableGraph(t, store, "refs/heads/main", refStore, 0)

	orphan := store.put(objects.TypeBlob, []byte("orphaned"), 30*24*time.Hour)

	c := NewCollector(store, refStore, nil)
	report, err := c.Run(context.Background(), Options{GracePeriod: 14 * 24 * time.Hour, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.DeletedCount)
	_, _, err = store.Get(context.Background(), orphan)
	assert.NoError(t, err)
}
