package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
)

// fakeBlobClient is an in-memory stand-in for blobstore.Client, shared
// by this package's tests so they exercise Store's tiering logic
// without a live bucket.
type fakeBlobClient struct {
	objects map[string][]byte
	etags   map[string]string
	seq     int
}

func newFakeBlobClient() *fakeBlobClient {
	return &fakeBlobClient{objects: map[string][]byte{}, etags: map[string]string{}}
}

func (f *fakeBlobClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = data
	f.seq++
	etag := fmt.Sprintf("etag-%s-%d", key, f.seq)
	f.etags[key] = etag
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size, ETag: etag}, nil
}

func (f *fakeBlobClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, minio.ErrorResponse{Code: "NoSuchKey", Message: "not found"}
	}
	if rng := opts.Header().Get("Range"); rng != "" {
		start, end, err := parseRangeHeader(rng, len(data))
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data[start:end])), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// parseRangeHeader decodes an HTTP "bytes=start-end" range header, the
// form minio.GetObjectOptions.SetRange produces, clamping end to the
// object's actual size the way S3-compatible backends do rather than
// erroring when a caller's estimate overshoots.
func parseRangeHeader(rng string, size int) (start, end int, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(rng, prefix) {
		return 0, 0, fmt.Errorf("fake blobstore: unsupported range %q", rng)
	}
	parts := strings.SplitN(strings.TrimPrefix(rng, prefix), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("fake blobstore: malformed range %q", rng)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("fake blobstore: malformed range %q", rng)
	}
	if start > size {
		start = size
	}
	if parts[1] == "" {
		return start, size, nil
	}
	endIncl, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("fake blobstore: malformed range %q", rng)
	}
	end = endIncl + 1
	if end > size {
		end = size
	}
	return start, end, nil
}

func (f *fakeBlobClient) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", Message: "not found"}
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data)), ETag: f.etags[key]}, nil
}

func (f *fakeBlobClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	delete(f.etags, key)
	return nil
}

func (f *fakeBlobClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(f.objects))
	for k, v := range f.objects {
		if opts.Prefix == "" || (len(k) >= len(opts.Prefix) && k[:len(opts.Prefix)] == opts.Prefix) {
			ch <- minio.ObjectInfo{Key: k, Size: int64(len(v))}
		}
	}
	close(ch)
	return ch
}
