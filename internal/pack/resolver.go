package pack

import (
	"bufio"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gitvault/server/internal/objects"
)

// ErrThinPackMissingBase is returned when, after resolving every delta
// whose base lives inside the pack, some REF_DELTA entries still refer
// to a base that is neither in the pack nor supplied by ExternalBases.
var ErrThinPackMissingBase = errors.New("pack: thin pack missing base object")

// ErrZlibInvalidHeader is returned when a pack entry's body does not
// begin with a valid zlib stream header.
var ErrZlibInvalidHeader = errors.New("pack: zlib invalid header")

// rawEntry is one undigested entry from the first parsing pass: either
// a base object's already-inflated bytes, or a delta's instruction
// stream plus a reference to its base.
type rawEntry struct {
	offset     uint64
	typ        byte
	data       []byte // inflated bytes (object body, or delta instructions)
	baseOffset uint64 // valid when typ == TypeOfsDelta
	baseSHA    objects.ObjectID
}

// ExternalBases resolves REF_DELTA bases that live outside the pack
// being parsed (the "thin pack" case): objects already present in the
// target object store.
type ExternalBases interface {
	Get(sha objects.ObjectID) (typ string, content []byte, ok bool)
}

type noExternalBases struct{}

func (noExternalBases) Get(objects.ObjectID) (string, []byte, bool) { return "", nil, false }

// ResolvedObject is one fully-reconstructed object ready to be written
// to storage.
type ResolvedObject struct {
	Offset uint64
	SHA    objects.ObjectID
	Type   string
	Data   []byte
}

// countingReader tracks how many bytes have been consumed so delta
// offsets (relative to the start of the pack) can be computed while
// streaming.
type countingReader struct {
	r     *bufio.Reader
	count uint64
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.count++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count += uint64(n)
	return n, err
}

// Parse reads header.Count entries from r (positioned immediately after
// the 12-byte pack header) and resolves every delta using the
// queue-based algorithm from §4.B: an entry whose base is already
// available is pushed to a ready queue; an entry waiting on a base is
// indexed by that base's offset or sha. When a base resolves, every
// entry waiting on it is enqueued. This runs in O(n) regardless of
// delta chain depth or ordering.
//
// external supplies bases for REF_DELTA entries that were not written
// in this pack (thin packs). Pass nil to disallow that — every delta
// must then resolve from within the pack.
func Parse(ctx context.Context, r io.Reader, header Header, external ExternalBases) ([]ResolvedObject, error) {
	if external == nil {
		external = noExternalBases{}
	}

	cr := &countingReader{r: bufio.NewReaderSize(r, 64*1024)}
	cr.count = 12 // the 12-byte header was already consumed by ReadHeader

	entries := make([]rawEntry, 0, header.Count)
	for i := uint32(0); i < header.Count; i++ {
		offset := cr.count
		oh, err := ReadObjectHeader(cr)
		if err != nil {
			return nil, fmt.Errorf("pack: entry %d header: %w", i, err)
		}

		entry := rawEntry{offset: offset, typ: oh.Type}

		switch oh.Type {
		case TypeOfsDelta:
			negOffset, err := ReadOfsDeltaOffset(cr)
			if err != nil {
				return nil, fmt.Errorf("pack: entry %d ofs-delta offset: %w", i, err)
			}
			if negOffset <= 0 || uint64(negOffset) > offset {
				return nil, fmt.Errorf("%w: entry %d ofs-delta base out of range", ErrDeltaOutOfBounds, i)
			}
			entry.baseOffset = offset - uint64(negOffset)
		case TypeRefDelta:
			if _, err := io.ReadFull(cr, entry.baseSHA[:]); err != nil {
				return nil, fmt.Errorf("pack: entry %d ref-delta base sha: %w", i, err)
			}
		}

		data, err := inflateOne(cr, oh.Size)
		if err != nil {
			return nil, fmt.Errorf("pack: entry %d body: %w", i, err)
		}
		entry.data = data
		entries = append(entries, entry)
	}

	return resolveQueue(ctx, entries, external)
}

// inflateOne decompresses exactly one zlib stream from r, leaving r
// positioned right after it, and validates the inflated size against
// the size recorded in the entry's object header.
func inflateOne(r io.Reader, expectedSize uint64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZlibInvalidHeader, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != expectedSize {
		return nil, fmt.Errorf("pack: inflated size %d != header size %d", len(data), expectedSize)
	}
	return data, nil
}

// resolvedInfo is what's known about a fully reconstructed object.
type resolvedInfo struct {
	typ  string
	data []byte
	sha  objects.ObjectID
}

// resolveQueue implements the queue-based O(n) resolver described in
// §4.B. Base objects and deltas whose base is already available start
// in the ready queue. A delta waiting on an unresolved base is indexed
// under that base's pack offset (OFS_DELTA) or sha (REF_DELTA). Each
// time an entry resolves, everything indexed under its offset or its
// freshly computed sha is moved onto the ready queue. Entries still
// unresolved once the queue drains mean a missing thin-pack base.
func resolveQueue(ctx context.Context, entries []rawEntry, external ExternalBases) ([]ResolvedObject, error) {
	byOffset := make(map[uint64]*rawEntry, len(entries))
	for i := range entries {
		byOffset[entries[i].offset] = &entries[i]
	}

	waitingOnOffset := make(map[uint64][]*rawEntry)
	waitingOnSHA := make(map[objects.ObjectID][]*rawEntry)
	resolvedByOffset := make(map[uint64]resolvedInfo, len(entries))
	resolvedBySHA := make(map[objects.ObjectID]resolvedInfo, len(entries))

	var ready []*rawEntry
	unresolved := make(map[uint64]bool, len(entries))

	for i := range entries {
		e := &entries[i]
		switch e.typ {
		case TypeCommit, TypeTree, TypeBlob, TypeTag:
			ready = append(ready, e)
		case TypeOfsDelta:
			unresolved[e.offset] = true
			if _, ok := byOffset[e.baseOffset]; !ok {
				return nil, fmt.Errorf("%w: ofs-delta at %d references unknown offset %d", ErrDeltaOutOfBounds, e.offset, e.baseOffset)
			}
			waitingOnOffset[e.baseOffset] = append(waitingOnOffset[e.baseOffset], e)
		case TypeRefDelta:
			unresolved[e.offset] = true
			waitingOnSHA[e.baseSHA] = append(waitingOnSHA[e.baseSHA], e)
		default:
			return nil, fmt.Errorf("pack: unknown entry type code %d at offset %d", e.typ, e.offset)
		}
	}

	// A base already present outside the pack may immediately satisfy
	// deltas waiting on it, so seed the ready queue from external bases
	// too.
	for sha, waiters := range waitingOnSHA {
		if typ, content, ok := external.Get(sha); ok {
			resolvedBySHA[sha] = resolvedInfo{typ: typ, data: content, sha: sha}
			ready = append(ready, waiters...)
			delete(waitingOnSHA, sha)
		}
	}

	out := make([]ResolvedObject, 0, len(entries))

	for len(ready) > 0 {
		e := ready[0]
		ready = ready[1:]

		var info resolvedInfo

		switch e.typ {
		case TypeCommit, TypeTree, TypeBlob, TypeTag:
			typ, _ := TypeName(e.typ)
			info = resolvedInfo{typ: typ, data: e.data}
		case TypeOfsDelta:
			base, ok := resolvedByOffset[e.baseOffset]
			if !ok {
				return nil, fmt.Errorf("pack: internal error: ofs-delta base %d not yet resolved", e.baseOffset)
			}
			applied, err := ApplyDelta(base.data, e.data)
			if err != nil {
				return nil, err
			}
			info = resolvedInfo{typ: base.typ, data: applied}
		case TypeRefDelta:
			base, ok := resolvedBySHA[e.baseSHA]
			if !ok {
				return nil, fmt.Errorf("pack: internal error: ref-delta base %x not yet resolved", e.baseSHA)
			}
			applied, err := ApplyDelta(base.data, e.data)
			if err != nil {
				return nil, err
			}
			info = resolvedInfo{typ: base.typ, data: applied}
		}

		info.sha = objects.ComputeHash(objects.ObjectType(info.typ), info.data)
		resolvedByOffset[e.offset] = info
		resolvedBySHA[info.sha] = info
		delete(unresolved, e.offset)

		out = append(out, ResolvedObject{Offset: e.offset, SHA: info.sha, Type: info.typ, Data: info.data})

		if waiters := waitingOnOffset[e.offset]; len(waiters) > 0 {
			ready = append(ready, waiters...)
			delete(waitingOnOffset, e.offset)
		}
		if waiters := waitingOnSHA[info.sha]; len(waiters) > 0 {
			ready = append(ready, waiters...)
			delete(waitingOnSHA, info.sha)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if len(unresolved) > 0 {
		return nil, ErrThinPackMissingBase
	}

	return out, nil
}

// VerifyInParallel recomputes every resolved object's sha with bounded
// concurrency, for callers that want to double-check a large pack
// before committing it to storage.
func VerifyInParallel(ctx context.Context, objs []ResolvedObject, workers int) error {
	if workers <= 0 {
		workers = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	var mu sync.Mutex
	var mismatches []uint64
	for _, obj := range objs {
		obj := obj
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if objects.ComputeHash(objects.ObjectType(obj.Type), obj.Data) != obj.SHA {
				mu.Lock()
				mismatches = append(mismatches, obj.Offset)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("pack: sha mismatch at offsets %v", mismatches)
	}
	return nil
}
