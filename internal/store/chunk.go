package store

import (
	"encoding/json"
	"fmt"

	"github.com/gitvault/server/internal/objects"
)

// ChunkSize is the threshold above which a blob is split into ordered
// chunks rather than stored as a single unit.
const ChunkSize = 2 * 1024 * 1024

// chunkMeta is the metadata entry stored at the chunked-blob metadata
// key, recording how to reassemble the original content.
type chunkMeta struct {
	TotalSize  int64    `json:"total_size"`
	ChunkCount int      `json:"chunk_count"`
	ChunkKeys  []string `json:"chunk_keys"`
}

func chunkMetaKey(sha objects.ObjectID) string {
	return fmt.Sprintf("__chunked_blob__%s", sha)
}

func chunkKey(sha objects.ObjectID, n int) string {
	return fmt.Sprintf("__chunked_blob__%s:%d", sha, n)
}

// splitChunks divides data into ceil(len/ChunkSize) ordered pieces.
// The final chunk is short unless len(data) is an exact multiple of
// ChunkSize, in which case every chunk including the last is full size.
func splitChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func encodeChunkMeta(m chunkMeta) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: encode chunk meta: %w", err)
	}
	return b, nil
}

func decodeChunkMeta(raw []byte) (chunkMeta, error) {
	var m chunkMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return chunkMeta{}, fmt.Errorf("store: decode chunk meta: %w", err)
	}
	return m, nil
}
