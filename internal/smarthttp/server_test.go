package smarthttp

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/pack"
	"github.com/gitvault/server/internal/pktline"
	"github.com/gitvault/server/internal/refs"
)

// memStore is a trivial in-memory ObjectStore, mirroring internal/diff's
// test fake but with Put added for receive-pack's unpack step.
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
		return "", nil, fmt.Errorf("not found: %s", sha)
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

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()
	refStore := newTestRefStore(t)
	srv := NewServer(store, refStore, nil)
	srv.Limiter = nil // deterministic in tests
	return srv, store
}

func TestServeInfoRefsEmptyRepo(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()

	srv.ServeInfoRefs(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "# service=git-upload-pack\n")
	assert.Contains(t, body, "capabilities^{}")
}

func TestServeInfoRefsAdvertisesRefsAndCapabilities(t *testing.T) {
	srv, store := newTestServer(t)
	blob := store.putBlob([]byte("hello"))
	tree := store.putTree(map[string]objects.ObjectID{"f.txt": blob})
	commit := store.putCommit(tree)
	require.NoError(t, srv.Refs.SetRef("refs/heads/main", commit, nil))

	req := httptest.NewRequest(http.MethodGet, "/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()
	srv.ServeInfoRefs(w, req)

	body := w.Body.String()
	assert.Contains(t, body, commit.String())
	assert.Contains(t, body, "refs/heads/main")
	assert.Contains(t, body, "side-band-64k")
	assert.Contains(t, body, "agent=gitvault/1.0")
}

func TestServeInfoRefsRejectsUnknownService(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/info/refs?service=nonsense", nil)
	w := httptest.NewRecorder()
	srv.ServeInfoRefs(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func buildWantHaveBody(wants, haves []objects.ObjectID, caps string) []byte {
	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	for i, w := range wants {
		line := fmt.Sprintf("want %s", w.String())
		if i == 0 && caps != "" {
			line += "\x00" + caps
		}
		_ = pw.WriteString(line + "\n")
	}
	_ = pw.Flush()
	for _, h := range haves {
		_ = pw.WriteString(fmt.Sprintf("have %s\n", h.String()))
	}
	_ = pw.WriteString("done\n")
	return buf.Bytes()
}

func TestServeUploadPackSendsMissingObjects(t *testing.T) {
	srv, store := newTestServer(t)
	blob := store.putBlob([]byte("hello world"))
	tree := store.putTree(map[string]objects.ObjectID{"f.txt": blob})
	commit := store.putCommit(tree)

	body := buildWantHaveBody([]objects.ObjectID{commit}, nil, "side-band-64k agent=test")
	req := httptest.NewRequest(http.MethodPost, "/git-upload-pack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	w := httptest.NewRecorder()

	srv.ServeUploadPack(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-git-upload-pack-result", w.Header().Get("Content-Type"))

	pr := pktline.NewReader(w.Body)
	first, err := pr.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "NAK\n", string(first.Payload))

	var packData bytes.Buffer
	for {
		pkt, err := pr.ReadPacket()
		require.NoError(t, err)
		if pkt.Kind == pktline.KindFlush {
			break
		}
		require.True(t, len(pkt.Payload) > 0)
		require.Equal(t, byte(1), pkt.Payload[0])
		packData.Write(pkt.Payload[1:])
	}

	resolved, err := pack.ReadPack(&packData, nil)
	require.NoError(t, err)
	shas := make(map[string]bool)
	for _, obj := range resolved {
		shas[obj.SHA.String()] = true
	}
	assert.True(t, shas[commit.String()])
	assert.True(t, shas[tree.String()])
	assert.True(t, shas[blob.String()])
}

func TestServeUploadPackRejectsWrongContentType(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/git-upload-pack", strings.NewReader(""))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	srv.ServeUploadPack(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func buildReceivePackBody(t *testing.T, cmds []RefCommand, caps string, entries []pack.Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	for i, c := range cmds {
		line := fmt.Sprintf("%s %s %s", c.OldSHA.String(), c.NewSHA.String(), c.Ref)
		if i == 0 && caps != "" {
			line += "\x00" + caps
		}
		_ = pw.WriteString(line + "\n")
	}
	_ = pw.Flush()
	require.NoError(t, pack.WritePack(&buf, entries))
	return buf.Bytes()
}

func zeroID(t *testing.T) objects.ObjectID {
	t.Helper()
	id, err := objects.NewObjectID(strings.Repeat("0", 40))
	require.NoError(t, err)
	return id
}

func TestServeReceivePackCreatesRefAndStoresObjects(t *testing.T) {
	fresh := newMemStore()
	blob := fresh.putBlob([]byte("payload"))
	tree := fresh.putTree(map[string]objects.ObjectID{"f.txt": blob})
	commit := fresh.putCommit(tree)
	blobData, treeData, commitData := fresh.objs[blob].data, fresh.objs[tree].data, fresh.objs[commit].data

	target := newMemStore()
	refStore := newTestRefStore(t)
	srv := NewServer(target, refStore, nil)
	srv.Limiter = nil

	cmds := []RefCommand{{OldSHA: zeroID(t), NewSHA: commit, Ref: "refs/heads/main"}}
	body := buildReceivePackBody(t, cmds, "report-status atomic", []pack.Entry{
		{Type: objects.TypeBlob, Data: blobData},
		{Type: objects.TypeTree, Data: treeData},
		{Type: objects.TypeCommit, Data: commitData},
	})

	req := httptest.NewRequest(http.MethodPost, "/git-receive-pack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-git-receive-pack-request")
	w := httptest.NewRecorder()

	srv.ServeReceivePack(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	respBody := w.Body.String()
	assert.Contains(t, respBody, "unpack ok")
	assert.Contains(t, respBody, "ok refs/heads/main")

	resolved, err := refStore.Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, commit, resolved)

	_, _, err = target.Get(context.Background(), blob)
	assert.NoError(t, err)
}

func TestServeReceivePackAtomicRollsBackOnFailure(t *testing.T) {
	fresh := newMemStore()
	blob := fresh.putBlob([]byte("x"))
	tree := fresh.putTree(map[string]objects.ObjectID{"a": blob})
	commitA := fresh.putCommit(tree)
	commitB := fresh.putCommit(tree, commitA)

	refStore := newTestRefStore(t)
	require.NoError(t, refStore.SetRef("refs/heads/existing", commitA, nil))
	srv := NewServer(fresh, refStore, nil)
	srv.Limiter = nil

	staleOld := commitB // does not match the ref's actual current value (commitA)
	cmds := []RefCommand{
		{OldSHA: zeroID(t), NewSHA: commitA, Ref: "refs/heads/brand-new"},
		{OldSHA: staleOld, NewSHA: commitB, Ref: "refs/heads/existing"},
	}
	body := buildReceivePackBody(t, cmds, "report-status atomic", nil)

	req := httptest.NewRequest(http.MethodPost, "/git-receive-pack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-git-receive-pack-request")
	w := httptest.NewRecorder()

	srv.ServeReceivePack(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	respBody := w.Body.String()
	assert.Contains(t, respBody, "ng refs/heads/existing")
	assert.Contains(t, respBody, "ng refs/heads/brand-new")

	_, err := refStore.GetRef("refs/heads/brand-new")
	assert.ErrorIs(t, err, refs.ErrRefNotFound)

	resolved, err := refStore.Resolve("refs/heads/existing")
	require.NoError(t, err)
	assert.Equal(t, commitA, resolved)
}
