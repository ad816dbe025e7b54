package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gitvault/server/internal/objects"
)

// CompactionThreshold is the size below which a blob is a candidate
// for super-chunk compaction instead of being written individually.
const CompactionThreshold = 64 * 1024

// MinBlobsForCompaction is how many pending small blobs accumulate
// before a super-chunk is built.
const MinBlobsForCompaction = 10

// SuperChunkSize is the largest a single super-chunk may grow to.
const SuperChunkSize = 2 * 1024 * 1024

type superChunkHeader struct {
	Version   int `json:"version"`
	BlobCount int `json:"blob_count"`
	TotalSize int `json:"total_size"`
}

type pendingBlob struct {
	SHA  objects.ObjectID
	Type objects.ObjectType
	Data []byte
}

// binPackSuperChunks bin-packs pending blobs largest-first into one or
// more super-chunks no larger than SuperChunkSize, returning each
// super-chunk's encoded bytes alongside the per-blob offsets within its
// concatenated body (for compaction-index entries).
func binPackSuperChunks(blobs []pendingBlob) ([]superChunkBuild, error) {
	sorted := make([]pendingBlob, len(blobs))
	copy(sorted, blobs)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Data) > len(sorted[j].Data) })

	var builds []superChunkBuild
	var cur []pendingBlob
	curSize := 0
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		b, err := encodeSuperChunk(cur)
		if err != nil {
			return err
		}
		builds = append(builds, b)
		cur = nil
		curSize = 0
		return nil
	}

	for _, b := range sorted {
		if curSize+len(b.Data) > SuperChunkSize && len(cur) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		cur = append(cur, b)
		curSize += len(b.Data)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return builds, nil
}

// superChunkBuild is one encoded super-chunk plus the offset/size of
// each blob within its concatenated body, in encounter order.
type superChunkBuild struct {
	Data    []byte
	Entries []superChunkEntry
}

type superChunkEntry struct {
	SHA    objects.ObjectID
	Type   objects.ObjectType
	Offset int64
	Size   int64
}

func encodeSuperChunk(blobs []pendingBlob) (superChunkBuild, error) {
	var body bytes.Buffer
	entries := make([]superChunkEntry, 0, len(blobs))
	for _, b := range blobs {
		entries = append(entries, superChunkEntry{SHA: b.SHA, Type: b.Type, Offset: int64(body.Len()), Size: int64(len(b.Data))})
		body.Write(b.Data)
	}

	hdr := superChunkHeader{Version: 1, BlobCount: len(blobs), TotalSize: body.Len()}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return superChunkBuild{}, fmt.Errorf("store: encode super-chunk header: %w", err)
	}

	var out bytes.Buffer
	out.Write(hdrBytes)
	out.WriteByte(0)
	out.Write(body.Bytes())
	return superChunkBuild{Data: out.Bytes(), Entries: entries}, nil
}

// extractFromSuperChunk reads one blob's bytes out of a super-chunk's
// raw bytes at offset/size, validating the header's declared bounds.
func extractFromSuperChunk(raw []byte, offset, size int64) ([]byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return nil, fmt.Errorf("store: super-chunk: missing header terminator")
	}
	var hdr superChunkHeader
	if err := json.Unmarshal(raw[:nul], &hdr); err != nil {
		return nil, fmt.Errorf("store: super-chunk: decode header: %w", err)
	}
	body := raw[nul+1:]
	if offset < 0 || size < 0 || offset+size > int64(len(body)) {
		return nil, fmt.Errorf("store: super-chunk: entry out of bounds")
	}
	return body[offset : offset+size], nil
}
