package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for minio.Client sufficient to
// exercise Store's conditional-put and range-read logic.
type fakeClient struct {
	objects map[string][]byte
	etags   map[string]string
	seq     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}, etags: map[string]string{}}
}

func notFoundErr() error {
	return minio.ErrorResponse{Code: "NoSuchKey", Message: "not found"}
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = data
	f.seq++
	etag := "etag-" + key + "-" + string(rune('0'+f.seq%10))
	f.etags[key] = etag
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size, ETag: etag}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, notFoundErr()
	}
	if rangeHdr := opts.Header().Get("Range"); rangeHdr != "" {
		var start, end int64
		if _, err := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &start, &end); err == nil {
			if end < 0 || int(end) >= len(data) {
				end = int64(len(data)) - 1
			}
			data = data[start : end+1]
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeClient) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, notFoundErr()
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data)), ETag: f.etags[key]}, nil
}

func (f *fakeClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	delete(f.etags, key)
	return nil
}

func (f *fakeClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(f.objects))
	for k := range f.objects {
		if len(opts.Prefix) == 0 || (len(k) >= len(opts.Prefix) && k[:len(opts.Prefix)] == opts.Prefix) {
			ch <- minio.ObjectInfo{Key: k, Size: int64(len(f.objects[k]))}
		}
	}
	close(ch)
	return ch
}

func TestPutIfAbsent(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)

	require.NoError(t, s.PutIfAbsent(context.Background(), "k1", []byte("v1"), ""))
	err := s.PutIfAbsent(context.Background(), "k1", []byte("v2"), "")
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestPutIfMatch(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)

	require.NoError(t, s.Put(context.Background(), "k1", []byte("v1"), ""))
	_, etag, err := s.Head(context.Background(), "k1")
	require.NoError(t, err)

	err = s.PutIfMatch(context.Background(), "k1", []byte("v2"), "", "wrong-etag")
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	require.NoError(t, s.PutIfMatch(context.Background(), "k1", []byte("v2"), "", etag))
}

func TestHeadMissing(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)
	_, _, err := s.Head(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)
	require.NoError(t, s.Put(context.Background(), "k1", []byte("v1"), ""))
	require.NoError(t, s.Delete(context.Background(), "k1"))
	require.NoError(t, s.Delete(context.Background(), "k1"))
}

func TestGetRoundTrip(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)
	require.NoError(t, s.Put(context.Background(), "k1", []byte("hello world"), ""))

	data, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRange(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)
	require.NoError(t, s.Put(context.Background(), "k1", []byte("0123456789"), ""))

	data, err := s.GetRange(context.Background(), "k1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), data)
}

func TestList(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, "bucket", nil)
	require.NoError(t, s.Put(context.Background(), "warm/a", []byte("1"), ""))
	require.NoError(t, s.Put(context.Background(), "warm/b", []byte("2"), ""))
	require.NoError(t, s.Put(context.Background(), "cold/c", []byte("3"), ""))

	keys, err := s.List(context.Background(), "warm/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"warm/a", "warm/b"}, keys)
}
