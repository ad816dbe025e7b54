// Package store implements the tiered object store: a hot local table,
// a warm packed-object tier, and a cold columnar tier, plus blob
// chunking, super-chunk compaction, a bloom/exact dedup cache, and a
// write buffer that flushes to cold storage once a size policy trips.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/gitvault/server/internal/metrics"
	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/pack"
	"github.com/gitvault/server/internal/store/blobstore"
	"github.com/gitvault/server/internal/store/bloom"
	"github.com/gitvault/server/internal/store/index"
	"github.com/gitvault/server/internal/store/sqlkv"
)

// Cold-tier pack_id prefixes distinguish which of the three cold
// encodings (chunked blob, super-chunk, plain columnar flush file) an
// index row's pack_id refers to, since offset alone is ambiguous (a
// super-chunk's first entry legitimately sits at offset 0).
const (
	prefixChunked    = "chunked:"
	prefixSuperChunk = "sc:"
	prefixColumnar   = "cf:"
)

// FlushPolicy bounds how large the in-memory write buffer may grow
// before it's flushed to a cold columnar file.
type FlushPolicy struct {
	MaxObjects int
	MaxBytes   int64
}

// DefaultFlushPolicy matches the spec's illustrative thresholds. Open
// installs it; internal/config has no flush settings, so only
// WithFlushPolicy changes it.
var DefaultFlushPolicy = FlushPolicy{MaxObjects: 256, MaxBytes: 8 * 1024 * 1024}

// Store is the tiered object store's single entry point.
type Store struct {
	hot   *sqlkv.Store
	blobs *blobstore.Store
	idx   *index.Index
	filt  *bloom.Filter
	exact *bloom.ExactCache
	log   *zap.Logger

	policy FlushPolicy

	mu      sync.Mutex // serializes flush/compaction per the store's concurrency model
	buffer  []bufEntry
	bufSize int64

	pendingSmall []pendingBlob

	metrics *metrics.Registry
}

// WithMetrics attaches a metrics registry; reads and flush/compaction
// runs are then reported against it. Returns s for chaining alongside
// WithFlushPolicy.
func (s *Store) WithMetrics(m *metrics.Registry) *Store {
	s.metrics = m
	return s
}

type bufEntry struct {
	SHA  objects.ObjectID
	Type objects.ObjectType
}

// Open wires the tiered store's collaborators together. hot and idx
// must already be migrated (sqlkv.Migrate/index.Migrate).
func Open(hot *sqlkv.Store, blobs *blobstore.Store, idx *index.Index, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		hot: hot, blobs: blobs, idx: idx,
		filt: bloom.New(4096, 5), exact: bloom.NewExactCache(),
		log: log, policy: DefaultFlushPolicy,
	}
}

// WithFlushPolicy overrides the default flush thresholds.
func (s *Store) WithFlushPolicy(p FlushPolicy) *Store {
	s.policy = p
	return s
}

// Put writes content of the given type, returning its sha. Put is
// idempotent: a sha already known to the store (via the exact cache,
// hot tier, or index) is never rewritten, so concurrent writers of the
// same content converge on one final state.
func (s *Store) Put(ctx context.Context, typ objects.ObjectType, content []byte) (objects.ObjectID, error) {
	sha := objects.ComputeHash(typ, content)

	if s.exact.Contains(sha) {
		return sha, nil
	}
	if s.filt.MaybeContains(sha) {
		if _, err := s.idx.Lookup(sha); err == nil {
			s.exact.Add(sha)
			return sha, nil
		}
	}
	if ok, err := s.hot.Has(sha); err == nil && ok {
		s.exact.Add(sha)
		return sha, nil
	}

	switch {
	case int64(len(content)) > ChunkSize:
		if err := s.putChunked(ctx, sha, typ, content); err != nil {
			return objects.ObjectID{}, err
		}
	case len(content) < CompactionThreshold:
		if err := s.registerForCompaction(ctx, sha, typ, content); err != nil {
			return objects.ObjectID{}, err
		}
	default:
		if err := s.putBuffered(ctx, sha, typ, content); err != nil {
			return objects.ObjectID{}, err
		}
	}

	s.filt.Add(sha)
	s.exact.Add(sha)
	return sha, nil
}

func (s *Store) putBuffered(ctx context.Context, sha objects.ObjectID, typ objects.ObjectType, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hot.Put(sha, typ, content); err != nil {
		return err
	}
	if err := s.idx.Record(index.Location{SHA: sha, Tier: index.TierHot, Size: int64(len(content)), Type: typ, UpdatedAt: time.Now()}); err != nil {
		return err
	}
	s.buffer = append(s.buffer, bufEntry{SHA: sha, Type: typ})
	s.bufSize += int64(len(content))

	if len(s.buffer) >= s.policy.MaxObjects || s.bufSize >= s.policy.MaxBytes {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush forces the current write buffer to a cold columnar file
// regardless of policy thresholds, for callers that need durability
// before returning (e.g. end of a receive-pack transaction).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	records := make([]columnarRecord, 0, len(s.buffer))
	for _, e := range s.buffer {
		_, data, err := s.hot.Get(e.SHA)
		if err != nil {
			return fmt.Errorf("store: flush: read hot %s: %w", e.SHA, err)
		}
		records = append(records, columnarRecord{SHA: e.SHA, Type: e.Type, Data: data})
	}
	sort.Slice(records, func(i, j int) bool {
		return string(records[i].SHA[:]) < string(records[j].SHA[:])
	})

	encoded, offsets, err := encodeColumnar(records)
	if err != nil {
		return err
	}
	fileID := fmt.Sprintf("%016x", xxhash.Sum64(encoded))
	key := fmt.Sprintf("cold/%s", fileID)
	if err := s.blobs.PutIfAbsent(ctx, key, encoded, "application/octet-stream"); err != nil && err != blobstore.ErrPreconditionFailed {
		return fmt.Errorf("store: flush: upload %s: %w", key, err)
	}

	for i, r := range records {
		if err := s.idx.UpdateTier(r.SHA, index.TierCold, prefixColumnar+fileID, offsets[i]); err != nil {
			return fmt.Errorf("store: flush: index update %s: %w", r.SHA, err)
		}
		if err := s.hot.Delete(r.SHA); err != nil {
			return fmt.Errorf("store: flush: hot delete %s: %w", r.SHA, err)
		}
	}

	s.log.Info("flushed write buffer to cold storage",
		zap.String("file_id", fileID), zap.Int("objects", len(records)))
	if s.metrics != nil {
		s.metrics.StoreFlushTotal.Inc()
	}

	s.buffer = nil
	s.bufSize = 0
	return nil
}

func (s *Store) putChunked(ctx context.Context, sha objects.ObjectID, typ objects.ObjectType, content []byte) error {
	chunks := splitChunks(content)
	keys := make([]string, len(chunks))
	for i, c := range chunks {
		key := chunkKey(sha, i)
		keys[i] = key
		if err := s.blobs.PutIfAbsent(ctx, key, c, "application/octet-stream"); err != nil && err != blobstore.ErrPreconditionFailed {
			return fmt.Errorf("store: put chunk %d of %s: %w", i, sha, err)
		}
	}
	meta, err := encodeChunkMeta(chunkMeta{TotalSize: int64(len(content)), ChunkCount: len(chunks), ChunkKeys: keys})
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, chunkMetaKey(sha), meta, "application/json"); err != nil {
		return fmt.Errorf("store: put chunk meta %s: %w", sha, err)
	}
	return s.idx.Record(index.Location{SHA: sha, Tier: index.TierCold, PackID: prefixChunked + sha.String(), Size: int64(len(content)), Type: typ, UpdatedAt: time.Now()})
}

func (s *Store) registerForCompaction(ctx context.Context, sha objects.ObjectID, typ objects.ObjectType, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hot.Put(sha, typ, content); err != nil {
		return err
	}
	s.pendingSmall = append(s.pendingSmall, pendingBlob{SHA: sha, Type: typ, Data: content})
	if err := s.idx.Record(index.Location{SHA: sha, Tier: index.TierHot, Size: int64(len(content)), Type: typ, UpdatedAt: time.Now()}); err != nil {
		return err
	}

	if len(s.pendingSmall) >= MinBlobsForCompaction {
		return s.compactPendingLocked(ctx)
	}
	return nil
}

// CompactPending forces a super-chunk build from whatever small blobs
// are currently pending, regardless of MinBlobsForCompaction.
func (s *Store) CompactPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactPendingLocked(ctx)
}

func (s *Store) compactPendingLocked(ctx context.Context) error {
	if len(s.pendingSmall) == 0 {
		return nil
	}
	builds, err := binPackSuperChunks(s.pendingSmall)
	if err != nil {
		return err
	}
	for _, b := range builds {
		id := fmt.Sprintf("%016x", xxhash.Sum64(b.Data))
		key := fmt.Sprintf("__super_chunk__%s", id)
		if err := s.blobs.PutIfAbsent(ctx, key, b.Data, "application/octet-stream"); err != nil && err != blobstore.ErrPreconditionFailed {
			return fmt.Errorf("store: compact: upload super-chunk %s: %w", id, err)
		}
		for _, e := range b.Entries {
			if err := s.idx.UpdateTier(e.SHA, index.TierCold, prefixSuperChunk+id, e.Offset); err != nil {
				return fmt.Errorf("store: compact: index update %s: %w", e.SHA, err)
			}
		}
	}
	s.log.Info("compacted pending blobs into super-chunks", zap.Int("blobs", len(s.pendingSmall)), zap.Int("super_chunks", len(builds)))
	if s.metrics != nil {
		s.metrics.StoreCompactTotal.Inc()
	}
	s.pendingSmall = nil
	return nil
}

// PutPack uploads a set of already-assembled pack entries as a single
// warm-tier packfile and records each object's location, for callers
// (receive-pack, mirror sync) that already hold a complete pack rather
// than individual objects.
func (s *Store) PutPack(ctx context.Context, packID string, entries []pack.Entry) error {
	var buf bytes.Buffer
	offsets, err := pack.WritePackWithOffsets(&buf, entries)
	if err != nil {
		return fmt.Errorf("store: put pack %s: %w", packID, err)
	}

	key := fmt.Sprintf("packs/%s.pack", packID)
	if err := s.blobs.Put(ctx, key, buf.Bytes(), "application/x-git-packed-objects"); err != nil {
		return fmt.Errorf("store: upload pack %s: %w", packID, err)
	}

	for i, e := range entries {
		sha := objects.ComputeHash(e.Type, e.Data)
		if err := s.idx.Record(index.Location{
			SHA: sha, Tier: index.TierWarm, PackID: packID, Offset: offsets[i],
			Size: int64(len(e.Data)), Type: e.Type, UpdatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("store: record warm location %s: %w", sha, err)
		}
		s.filt.Add(sha)
		s.exact.Add(sha)
	}
	s.log.Info("stored warm pack", zap.String("pack_id", packID), zap.Int("objects", len(entries)))
	return nil
}

// CompactColdFiles merges cold columnar files under the prefix "cold/"
// whose combined size stays within targetSize into a single new file,
// rewriting the index so every merged sha points at it. Read-path
// correctness is unaffected by which file currently holds a sha, since
// lookups are always keyed by sha through the index.
func (s *Store) CompactColdFiles(ctx context.Context, targetSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.blobs.List(ctx, "cold/")
	if err != nil {
		return fmt.Errorf("store: compact cold: list: %w", err)
	}

	var group []string
	var groupSize int64
	merge := func() error {
		if len(group) < 2 {
			group, groupSize = nil, 0
			return nil
		}
		return s.mergeColdFiles(ctx, group)
	}

	for _, key := range keys {
		size, _, err := s.blobs.Head(ctx, key)
		if err != nil {
			return fmt.Errorf("store: compact cold: head %s: %w", key, err)
		}
		if groupSize+size > targetSize && len(group) > 0 {
			if err := merge(); err != nil {
				return err
			}
			group, groupSize = nil, 0
		}
		group = append(group, key)
		groupSize += size
	}
	return merge()
}

func (s *Store) mergeColdFiles(ctx context.Context, keys []string) error {
	var all []columnarRecord
	for _, key := range keys {
		raw, err := s.blobs.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("store: compact cold: get %s: %w", key, err)
		}
		_, records, err := decodeColumnar(raw)
		if err != nil {
			return fmt.Errorf("store: compact cold: decode %s: %w", key, err)
		}
		for _, r := range records {
			if _, err := s.idx.Lookup(r.SHA); err == index.ErrNotFound {
				continue // deleted since the file was written
			} else if err != nil {
				return fmt.Errorf("store: compact cold: lookup %s: %w", r.SHA, err)
			}
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return string(all[i].SHA[:]) < string(all[j].SHA[:]) })

	encoded, offsets, err := encodeColumnar(all)
	if err != nil {
		return err
	}
	newFileID := fmt.Sprintf("%016x", xxhash.Sum64(encoded))
	newKey := fmt.Sprintf("cold/%s", newFileID)
	if err := s.blobs.PutIfAbsent(ctx, newKey, encoded, "application/octet-stream"); err != nil && err != blobstore.ErrPreconditionFailed {
		return fmt.Errorf("store: compact cold: upload %s: %w", newKey, err)
	}

	for i, r := range all {
		if err := s.idx.UpdateTier(r.SHA, index.TierCold, prefixColumnar+newFileID, offsets[i]); err != nil {
			return fmt.Errorf("store: compact cold: index update %s: %w", r.SHA, err)
		}
	}
	for _, key := range keys {
		if key == newKey {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("store: compact cold: delete %s: %w", key, err)
		}
	}

	s.log.Info("compacted cold files", zap.Int("merged", len(keys)), zap.String("new_file_id", newFileID))
	return nil
}

// ErrNotFound is returned when sha is not known to any tier.
var ErrNotFound = errors.New("store: object not found")

// Get reads an object's type and bytes by sha, trying the exact
// cache-backed hot tier, then warm, then cold, short-circuiting on the
// first hit.
func (s *Store) Get(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error) {
	if typ, data, err := s.hot.Get(sha); err == nil {
		s.recordTierHit("hot")
		return typ, data, nil
	} else if err != sqlkv.ErrNotFound {
		return "", nil, err
	}

	loc, err := s.idx.Lookup(sha)
	if err != nil {
		if err == index.ErrNotFound {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}

	switch loc.Tier {
	case index.TierWarm:
		s.recordTierHit("warm")
		return s.getWarm(ctx, sha, loc)
	case index.TierCold:
		s.recordTierHit("cold")
		return s.getCold(ctx, sha, loc)
	default:
		return "", nil, ErrNotFound
	}
}

func (s *Store) recordTierHit(tier string) {
	if s.metrics != nil {
		s.metrics.StoreTierHits.WithLabelValues(tier).Inc()
	}
}

// AllLocations returns the location index's full contents, used by GC
// to enumerate every object the store currently knows about.
func (s *Store) AllLocations() ([]index.Location, error) {
	return s.idx.All()
}

// Delete removes sha's hot-tier row (if any) and its location-index
// row, and evicts it from the exact dedup cache. Warm and cold
// containers hold many objects per blob and are not rewritten here:
// the next CompactColdFiles leaves records without an index row out of
// the columnar files it merges, while warm packs and super-chunks are
// never rewritten, so a deleted object's bytes stay in them. The index
// row disappearing is enough to make the object unreachable via Get
// and to let GC's next sweep skip it when deciding what to scan.
func (s *Store) Delete(ctx context.Context, sha objects.ObjectID) error {
	if err := s.hot.Delete(sha); err != nil {
		return fmt.Errorf("store: delete hot %s: %w", sha, err)
	}
	s.exact.Remove(sha)

	if err := s.idx.Delete(sha); err != nil && err != index.ErrNotFound {
		return fmt.Errorf("store: delete index row %s: %w", sha, err)
	}
	return nil
}

// warmEntryRangeBound returns how many bytes to fetch starting at a
// warm pack entry's offset to be sure of covering its variable-length
// header plus its zlib-compressed body, given the entry's
// uncompressed size. WritePack always stores objects whole (never
// delta-encoded, see WritePack's doc comment), so one entry's bytes
// never depend on another's, and deflate's own worst-case expansion
// (RFC 1951: stored blocks add 5 bytes of overhead per 16383-byte
// block) plus zlib's 6-byte header/checksum bounds the compressed
// size from above; 10 bytes of slack covers the object header.
func warmEntryRangeBound(uncompressedSize int64) int64 {
	return uncompressedSize + 5*(uncompressedSize/16383+1) + 6 + 10
}

func (s *Store) getWarm(ctx context.Context, sha objects.ObjectID, loc index.Location) (objects.ObjectType, []byte, error) {
	key := fmt.Sprintf("packs/%s.pack", loc.PackID)
	raw, err := s.blobs.GetRange(ctx, key, loc.Offset, warmEntryRangeBound(loc.Size))
	if err != nil {
		return "", nil, fmt.Errorf("store: get warm object %s at %s:%d: %w", sha, key, loc.Offset, err)
	}
	code, data, err := pack.ReadStoredObject(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("store: decode warm object %s: %w", sha, err)
	}
	name, ok := pack.TypeName(code)
	if !ok {
		return "", nil, fmt.Errorf("store: warm object %s: unrecognized type code %d", sha, code)
	}
	return objects.ObjectType(name), data, nil
}

func (s *Store) getCold(ctx context.Context, sha objects.ObjectID, loc index.Location) (objects.ObjectType, []byte, error) {
	switch {
	case hasPrefix(loc.PackID, prefixChunked):
		return s.getChunked(ctx, sha)
	case hasPrefix(loc.PackID, prefixSuperChunk):
		id := loc.PackID[len(prefixSuperChunk):]
		key := fmt.Sprintf("__super_chunk__%s", id)
		raw, err := s.blobs.Get(ctx, key)
		if err != nil {
			return "", nil, fmt.Errorf("store: get super-chunk %s: %w", key, err)
		}
		data, err := extractFromSuperChunk(raw, loc.Offset, loc.Size)
		if err != nil {
			return "", nil, err
		}
		return loc.Type, data, nil
	case hasPrefix(loc.PackID, prefixColumnar):
		fileID := loc.PackID[len(prefixColumnar):]
		key := fmt.Sprintf("cold/%s", fileID)
		raw, err := s.blobs.Get(ctx, key)
		if err != nil {
			return "", nil, fmt.Errorf("store: get cold file %s: %w", key, err)
		}
		data, err := extractColumnarRecord(raw, loc.Offset, loc.Size)
		if err != nil {
			return "", nil, err
		}
		return loc.Type, data, nil
	default:
		return "", nil, fmt.Errorf("store: get: unrecognized cold pack_id %q", loc.PackID)
	}
}

func (s *Store) getChunked(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error) {
	metaRaw, err := s.blobs.Get(ctx, chunkMetaKey(sha))
	if err != nil {
		return "", nil, fmt.Errorf("store: get chunk meta %s: %w", sha, err)
	}
	meta, err := decodeChunkMeta(metaRaw)
	if err != nil {
		return "", nil, err
	}
	out := make([]byte, 0, meta.TotalSize)
	for _, key := range meta.ChunkKeys {
		c, err := s.blobs.Get(ctx, key)
		if err != nil {
			return "", nil, fmt.Errorf("store: get chunk %s: %w", key, err)
		}
		out = append(out, c...)
	}
	loc, err := s.idx.Lookup(sha)
	if err != nil {
		return "", nil, err
	}
	return loc.Type, out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
