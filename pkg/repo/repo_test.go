package repo

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/config"
	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/store/index"
	"github.com/gitvault/server/internal/store/sqlkv"
)

// fakeClient is an in-memory minio.Client stand-in, duplicated from
// internal/store/blobstore's test fixture since it's unexported there.
type fakeClient struct {
	objects map[string][]byte
}

func newFakeClient() *fakeClient { return &fakeClient{objects: map[string][]byte{}} }

func notFoundErr() error { return minio.ErrorResponse{Code: "NoSuchKey", Message: "not found"} }

func (f *fakeClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = data
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size, ETag: "etag-" + key}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, notFoundErr()
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeClient) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, notFoundErr()
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data)), ETag: "etag-" + key}, nil
}

func (f *fakeClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(f.objects))
	for k, v := range f.objects {
		if len(opts.Prefix) == 0 || (len(k) >= len(opts.Prefix) && k[:len(opts.Prefix)] == opts.Prefix) {
			ch <- minio.ObjectInfo{Key: k, Size: int64(len(v))}
		}
	}
	close(ch)
	return ch
}

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, sqlkv.Migrate(db))
	require.NoError(t, index.Migrate(db))
	require.NoError(t, refs.Migrate(db))

	r, err := Open(db, newFakeClient(), config.Defaults(), nil)
	require.NoError(t, err)
	return r
}

func TestHashObjectWithoutWriteDoesNotPersist(t *testing.T) {
	r := newTestRepo(t)
	id, err := r.HashObject(context.Background(), objects.TypeBlob, []byte("hello"), false)
	require.NoError(t, err)
	assert.False(t, r.HasObject(context.Background(), id))
}

func TestHashObjectWithWritePersists(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id, err := r.HashObject(ctx, objects.TypeBlob, []byte("hello"), true)
	require.NoError(t, err)
	assert.True(t, r.HasObject(ctx, id))

	typ, data, err := r.ReadObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, typ)
	assert.Equal(t, []byte("hello"), data)
}

func TestCreateBlobTreeCommit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	blob, err := r.CreateBlob(ctx, []byte("package main"))
	require.NoError(t, err)

	tree, err := r.CreateTree(ctx, []objects.TreeEntry{
		{Mode: objects.ModeBlob, Name: "main.go", ID: blob.ID()},
	})
	require.NoError(t, err)

	sig := objects.Signature{Name: "author", Email: "a@example.com", When: time.Unix(0, 0)}
	commit, err := r.CreateCommit(ctx, tree.ID(), nil, sig, sig, "initial commit")
	require.NoError(t, err)

	typ, _, err := r.ReadObject(ctx, commit.ID())
	require.NoError(t, err)
	assert.Equal(t, objects.TypeCommit, typ)
}

func TestCreateTagWritesObject(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	blob, err := r.CreateBlob(ctx, []byte("v1"))
	require.NoError(t, err)

	sig := objects.Signature{Name: "tagger", Email: "t@example.com", When: time.Unix(0, 0)}
	tag, err := r.CreateTag(ctx, blob.ID(), objects.TypeBlob, "v1.0.0", sig, "release")
	require.NoError(t, err)

	assert.True(t, r.HasObject(ctx, tag.ID()))
}

func TestRemoteIsCachedByName(t *testing.T) {
	r := newTestRepo(t)
	a := r.Remote("origin", "http://example.com")
	b := r.Remote("origin", "http://ignored-on-cache-hit.example.com")
	assert.Same(t, a, b)
}

func TestSyncerUsesCachedRemote(t *testing.T) {
	r := newTestRepo(t)
	s := r.Syncer("origin", "http://example.com")
	require.NotNil(t, s)
	assert.Same(t, r.Refs, s.Local)
	assert.Same(t, r.Remote("origin", "http://example.com"), s.Remote)
}
