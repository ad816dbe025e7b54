// Package blobstore implements the tiered store's cloud-backed warm and
// cold tiers: a bucket-backed key/value layer over minio-go, used both
// for warm packfiles and cold columnar files and super-chunks.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blobstore: object not found")

// ErrPreconditionFailed is returned by conditional puts when the
// caller's expectation about the key's current state doesn't hold.
var ErrPreconditionFailed = errors.New("blobstore: precondition failed")

// Client abstracts the subset of minio.Client used here, so tests can
// substitute a fake without a live bucket. GetObject returns a plain
// io.ReadCloser rather than *minio.Object so fakes don't need to
// reproduce minio's internal streaming machinery.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// MinioAdapter wraps a real *minio.Client to satisfy Client: every
// method but GetObject matches minio.Client's signature directly
// through embedding, and GetObject is narrowed from *minio.Object to
// io.ReadCloser (which it already implements).
type MinioAdapter struct {
	*minio.Client
}

func (m MinioAdapter) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return m.Client.GetObject(ctx, bucket, key, opts)
}

// Store is a bucket-scoped blob backing store.
type Store struct {
	client Client
	bucket string
	log    *zap.Logger
}

// New wraps a minio client scoped to bucket.
func New(client Client, bucket string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, bucket: bucket, log: log}
}

// Put writes data under key unconditionally, overwriting any existing
// object.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent writes data only if key does not already exist
// (if-none-match semantics), used so concurrent writers of the same
// content-addressed key never clobber each other.
func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return ErrPreconditionFailed
	}
	if !isNotFound(err) {
		return fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return s.Put(ctx, key, data, contentType)
}

// PutIfMatch writes data only if key's current ETag equals expectedETag
// (if-match semantics), used for CAS-style updates of mutable objects
// such as lock records or super-chunk indices.
func (s *Store) PutIfMatch(ctx context.Context, key string, data []byte, contentType, expectedETag string) error {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) && expectedETag == "" {
			return s.Put(ctx, key, data, contentType)
		}
		return fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	if strings.Trim(info.ETag, `"`) != strings.Trim(expectedETag, `"`) {
		return ErrPreconditionFailed
	}
	return s.Put(ctx, key, data, contentType)
}

// Get reads the full object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: get %s: %w", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}

// GetRange reads [offset, offset+length) from key, used to slice a
// single object out of a warm packfile or cold super-chunk without
// fetching the whole container.
func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("blobstore: set range %s: %w", key, err)
	}
	rc, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: get range %s: %w", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read range %s: %w", key, err)
	}
	return data, nil
}

// Head returns an object's size and ETag without fetching its body.
func (s *Store) Head(ctx context.Context, key string) (size int64, etag string, err error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return 0, "", ErrNotFound
		}
		return 0, "", fmt.Errorf("blobstore: head %s: %w", key, err)
	}
	return info.Size, info.ETag, nil
}

// Delete removes the object at key. Deleting a missing key is not an
// error, matching the idempotent-delete expectations of GC sweep.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

// List returns every key under prefix, sorted lexically.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("blobstore: list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
