package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/pack"
	"github.com/gitvault/server/internal/store/blobstore"
	"github.com/gitvault/server/internal/store/index"
	"github.com/gitvault/server/internal/store/sqlkv"
)

func newTestStore(t *testing.T) (*Store, *blobstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlkv.Migrate(db))
	require.NoError(t, index.Migrate(db))

	fc := newFakeBlobClient()
	blobs := blobstore.New(fc, "bucket", nil)
	s := Open(sqlkv.New(db), blobs, index.New(db), nil)
	return s, blobs
}

func TestPutGetSmallObjectViaBuffer(t *testing.T) {
	s, _ := newTestStore(t)
	s.WithFlushPolicy(FlushPolicy{MaxObjects: 1000, MaxBytes: 1 << 30})
	content := make([]byte, CompactionThreshold+1) // above compaction threshold, below chunk size
	for i := range content {
		content[i] = byte(i)
	}

	sha, err := s.Put(context.Background(), objects.TypeBlob, content)
	require.NoError(t, err)

	typ, data, err := s.Get(context.Background(), sha)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, typ)
	assert.Equal(t, content, data)
}

func TestPutIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	content := make([]byte, CompactionThreshold+10)
	sha1, err := s.Put(context.Background(), objects.TypeBlob, content)
	require.NoError(t, err)
	sha2, err := s.Put(context.Background(), objects.TypeBlob, content)
	require.NoError(t, err)
	assert.Equal(t, sha1, sha2)
}

func TestFlushMovesObjectsToCold(t *testing.T) {
	s, _ := newTestStore(t)
	s.WithFlushPolicy(FlushPolicy{MaxObjects: 2, MaxBytes: 1 << 30})

	size := CompactionThreshold + 1
	var shas []objects.ObjectID
	for i := 0; i < 3; i++ {
		content := repeat(size, byte(i+1))
		sha, err := s.Put(context.Background(), objects.TypeBlob, content)
		require.NoError(t, err)
		shas = append(shas, sha)
	}
	require.NoError(t, s.Flush(context.Background()))

	for i, sha := range shas {
		_, data, err := s.Get(context.Background(), sha)
		require.NoError(t, err)
		assert.Equal(t, repeat(size, byte(i+1)), data)
	}
}

func TestChunkedBlobRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	content := repeat(ChunkSize*2+123, 0xAB)

	sha, err := s.Put(context.Background(), objects.TypeBlob, content)
	require.NoError(t, err)

	typ, data, err := s.Get(context.Background(), sha)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, typ)
	assert.Equal(t, content, data)
}

func TestChunkedBlobExactMultipleHasNoShortChunk(t *testing.T) {
	content := repeat(ChunkSize*3, 0x01)
	chunks := splitChunks(content)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Len(t, c, ChunkSize)
	}
}

func TestSuperChunkCompactionRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	var shas []objects.ObjectID
	var contents [][]byte
	for i := 0; i < MinBlobsForCompaction; i++ {
		content := repeat(100+i, byte(i+1))
		sha, err := s.Put(context.Background(), objects.TypeBlob, content)
		require.NoError(t, err)
		shas = append(shas, sha)
		contents = append(contents, content)
	}

	for i, sha := range shas {
		_, data, err := s.Get(context.Background(), sha)
		require.NoError(t, err)
		assert.Equal(t, contents[i], data)
	}
}

func TestPutPackAndGetWarm(t *testing.T) {
	s, _ := newTestStore(t)
	entries := []pack.Entry{
		{Type: objects.TypeBlob, Data: []byte("warm-a")},
		{Type: objects.TypeBlob, Data: []byte("warm-b")},
	}
	require.NoError(t, s.PutPack(context.Background(), "pack-1", entries))

	shaA := objects.ComputeHash(objects.TypeBlob, []byte("warm-a"))
	typ, data, err := s.Get(context.Background(), shaA)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, typ)
	assert.Equal(t, []byte("warm-a"), data)

	shaB := objects.ComputeHash(objects.TypeBlob, []byte("warm-b"))
	typ, data, err = s.Get(context.Background(), shaB)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, typ)
	assert.Equal(t, []byte("warm-b"), data)
}

func TestCompactColdFilesMergesUnderTarget(t *testing.T) {
	s, blobs := newTestStore(t)
	s.WithFlushPolicy(FlushPolicy{MaxObjects: 1, MaxBytes: 1 << 30})

	size := CompactionThreshold + 1
	var shas []objects.ObjectID
	for i := 0; i < 4; i++ {
		content := repeat(size, byte(i+1))
		sha, err := s.Put(context.Background(), objects.TypeBlob, content)
		require.NoError(t, err)
		shas = append(shas, sha)
		require.NoError(t, s.Flush(context.Background()))
	}

	keysBefore, err := blobs.List(context.Background(), "cold/")
	require.NoError(t, err)
	require.Len(t, keysBefore, 4)

	require.NoError(t, s.CompactColdFiles(context.Background(), int64(size*10)))

	keysAfter, err := blobs.List(context.Background(), "cold/")
	require.NoError(t, err)
	assert.Len(t, keysAfter, 1)

	for i, sha := range shas {
		_, data, err := s.Get(context.Background(), sha)
		require.NoError(t, err)
		assert.Equal(t, repeat(size, byte(i+1)), data)
	}
}

func repeat(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
