package mirror

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/diff"
	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/smarthttp"
	"github.com/gitvault/server/internal/transport"
)

type memStore struct {
	objs map[objects.ObjectID]stored
}

type stored struct {
	typ  objects.ObjectType
	data []byte
}

func newMemStore() *memStore { return &memStore{objs: map[objects.ObjectID]stored{}} }

func (m *memStore) Get(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error) {
	s, ok := m.objs[sha]
	if !ok {
		return "", nil, assert.AnError
	}
	return s.typ, s.data, nil
}

func (m *memStore) Put(ctx context.Context, typ objects.ObjectType, content []byte) (objects.ObjectID, error) {
	sha := objects.ComputeHash(typ, content)
	m.objs[sha] = stored{typ, content}
	return sha, nil
}

func (m *memStore) putBlob(content []byte) objects.ObjectID {
	sha, _ := m.Put(context.Background(), objects.TypeBlob, content)
	return sha
}

func (m *memStore) putTree(entries map[string]objects.ObjectID) objects.ObjectID {
	tree := objects.NewTree()
	for name, sha := range entries {
		if err := tree.AddEntry(objects.ModeBlob, name, sha); err != nil {
			panic(err)
		}
	}
	data, _ := tree.Serialize()
	sha, _ := m.Put(context.Background(), objects.TypeTree, data)
	return sha
}

func (m *memStore) putCommit(tree objects.ObjectID, parents ...objects.ObjectID) objects.ObjectID {
	sig := objects.Signature{Name: "a", Email: "a@b.c", When: time.Unix(0, 0)}
	c := objects.NewCommit(tree, parents, sig, sig, "msg")
	data, _ := c.Serialize()
	sha, _ := m.Put(context.Background(), objects.TypeCommit, data)
	return sha
}

func newTestRefStore(t *testing.T) *refs.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, refs.Migrate(db))
	return refs.Open(db, nil)
}

func newTestRemote(t *testing.T) (*httptest.Server, *memStore, *refs.Store) {
	t.Helper()
	store := newMemStore()
	refStore := newTestRefStore(t)
	srv := smarthttp.NewServer(store, refStore, nil)
	srv.Limiter = nil

	mux := http.NewServeMux()
	mux.HandleFunc("/info/refs", srv.ServeInfoRefs)
	mux.HandleFunc("/git-upload-pack", srv.ServeUploadPack)
	mux.HandleFunc("/git-receive-pack", srv.ServeReceivePack)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store, refStore
}

func TestPullCreatesNewRef(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("hi"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	commit := remoteStore.putCommit(tree)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", commit, nil))

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)

	result, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategySkip})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RefsUpdated)
	assert.Equal(t, 3, result.ObjectsFetched)

	resolved, err := localRefs.Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, commit, resolved)
}

func TestPullIsIdempotent(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("hi"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	commit := remoteStore.putCommit(tree)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", commit, nil))

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)

	_, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategySkip})
	require.NoError(t, err)

	second, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategySkip})
	require.NoError(t, err)
	assert.Equal(t, 0, second.RefsUpdated)
	assert.Equal(t, 0, second.ObjectsFetched)
}

func TestPullFiltersRefsByPathspec(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("hi"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	main := remoteStore.putCommit(tree)
	feature := remoteStore.putCommit(tree, main)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", main, nil))
	require.NoError(t, remoteRefs.SetRef("refs/heads/feature/x", feature, nil))

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)

	result, err := syncer.Sync(context.Background(), Options{
		Direction: DirectionPull,
		Conflict:  StrategySkip,
		Filter:    &diff.Pathspec{Exclude: []string{"refs/heads/feature/**"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RefsUpdated)

	_, err = localRefs.Resolve("refs/heads/feature/x")
	assert.Error(t, err)
}

func TestPullFastForwardUpdatesRef(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("v1"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	base := remoteStore.putCommit(tree)

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	lblob := localStore.putBlob([]byte("v1"))
	ltree := localStore.putTree(map[string]objects.ObjectID{"f": lblob})
	lbase := localStore.putCommit(ltree)
	require.NoError(t, localRefs.SetRef("refs/heads/main", lbase, nil))
	require.Equal(t, base, lbase)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", base, nil))

	ahead := remoteStore.putCommit(tree, base)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", ahead, nil))

	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)
	result, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategySkip})
	require.NoError(t, err)
	require.Len(t, result.PerRef, 1)
	assert.True(t, result.PerRef[0].FastForward)
	assert.False(t, result.PerRef[0].Conflict)

	resolved, err := localRefs.Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, ahead, resolved)
}

func TestPullDivergedForceRemote(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("remote-content"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	remoteCommit := remoteStore.putCommit(tree)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", remoteCommit, nil))

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	lblob := localStore.putBlob([]byte("local-content"))
	ltree := localStore.putTree(map[string]objects.ObjectID{"f": lblob})
	localCommit := localStore.putCommit(ltree)
	require.NoError(t, localRefs.SetRef("refs/heads/main", localCommit, nil))

	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)
	result, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategyForceRemote})
	require.NoError(t, err)
	require.Len(t, result.PerRef, 1)
	assert.True(t, result.PerRef[0].Conflict)
	assert.Equal(t, "force-remote", result.PerRef[0].Resolution)
	assert.Equal(t, 1, result.RefsUpdated)

	resolved, err := localRefs.Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, remoteCommit, resolved)
}

func TestPullDivergedSkip(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("remote-content"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	remoteCommit := remoteStore.putCommit(tree)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", remoteCommit, nil))

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	lblob := localStore.putBlob([]byte("local-content"))
	ltree := localStore.putTree(map[string]objects.ObjectID{"f": lblob})
	localCommit := localStore.putCommit(ltree)
	require.NoError(t, localRefs.SetRef("refs/heads/main", localCommit, nil))

	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)
	result, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategySkip})
	require.NoError(t, err)
	assert.Equal(t, 0, result.RefsUpdated)
	assert.Equal(t, 1, result.RefsSkipped)

	resolved, err := localRefs.Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, localCommit, resolved)
}

func TestPullDivergedErrorStrategyAborts(t *testing.T) {
	ts, remoteStore, remoteRefs := newTestRemote(t)
	blob := remoteStore.putBlob([]byte("remote-content"))
	tree := remoteStore.putTree(map[string]objects.ObjectID{"f": blob})
	remoteCommit := remoteStore.putCommit(tree)
	require.NoError(t, remoteRefs.SetRef("refs/heads/main", remoteCommit, nil))

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	lblob := localStore.putBlob([]byte("local-content"))
	ltree := localStore.putTree(map[string]objects.ObjectID{"f": lblob})
	localCommit := localStore.putCommit(ltree)
	require.NoError(t, localRefs.SetRef("refs/heads/main", localCommit, nil))

	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)
	_, err := syncer.Sync(context.Background(), Options{Direction: DirectionPull, Conflict: StrategyError})
	assert.ErrorIs(t, err, ErrDiverged)
}

func TestPushCreatesRemoteRef(t *testing.T) {
	ts, _, remoteRefs := newTestRemote(t)

	localRefs := newTestRefStore(t)
	localStore := newMemStore()
	blob := localStore.putBlob([]byte("new content"))
	tree := localStore.putTree(map[string]objects.ObjectID{"f": blob})
	commit := localStore.putCommit(tree)
	require.NoError(t, localRefs.SetRef("refs/heads/main", commit, nil))

	syncer := NewSyncer(localRefs, localStore, transport.NewClient(ts.URL), nil)
	result, err := syncer.Sync(context.Background(), Options{Direction: DirectionPush, Conflict: StrategySkip})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RefsUpdated)

	resolved, err := remoteRefs.Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, commit, resolved)
}
