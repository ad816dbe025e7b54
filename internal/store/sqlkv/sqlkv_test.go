package sqlkv

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/server/internal/objects"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sha := objects.ComputeHash(objects.TypeBlob, []byte("hello"))

	ok, err := s.Has(sha)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(sha, objects.TypeBlob, []byte("hello")))

	typ, data, err := s.Get(sha)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, typ)
	assert.Equal(t, []byte("hello"), data)

	ok, err = s.Has(sha)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	sha := objects.ComputeHash(objects.TypeBlob, []byte("dup"))
	require.NoError(t, s.Put(sha, objects.TypeBlob, []byte("dup")))
	require.NoError(t, s.Put(sha, objects.TypeBlob, []byte("dup")))

	all, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	sha := objects.ComputeHash(objects.TypeBlob, []byte("nope"))
	_, _, err := s.Get(sha)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	sha := objects.ComputeHash(objects.TypeBlob, []byte("gone"))
	require.NoError(t, s.Put(sha, objects.TypeBlob, []byte("gone")))
	require.NoError(t, s.Delete(sha))
	_, _, err := s.Get(sha)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAll(t *testing.T) {
	s := newTestStore(t)
	a := objects.ComputeHash(objects.TypeBlob, []byte("a"))
	b := objects.ComputeHash(objects.TypeBlob, []byte("b"))
	require.NoError(t, s.Put(a, objects.TypeBlob, []byte("a")))
	require.NoError(t, s.Put(b, objects.TypeBlob, []byte("b")))

	all, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
