package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/gitvault/server/internal/objects"
)

// columnarHeader is the JSON header written before a cold columnar
// file's record bodies, giving a flush-time summary sufficient to
// bloom-filter a file without decompressing its records.
type columnarHeader struct {
	Version int    `json:"version"`
	Count   int    `json:"count"`
	MinSHA  string `json:"min_sha"`
	MaxSHA  string `json:"max_sha"`
}

type columnarRecord struct {
	SHA  objects.ObjectID
	Type objects.ObjectType
	Data []byte
}

// encodeColumnar builds one zstd-compressed cold file from records,
// each stored as (sha, type, size, bytes). records must already be
// sorted by sha so MinSHA/MaxSHA bound the file. The returned offsets
// give each record's Data start within the decompressed body, in the
// same coordinate system decodeColumnarBody returns, so the caller can
// record them in the object-location index and later slice a record
// straight out of extractColumnarRecord without rescanning every
// record in the file.
func encodeColumnar(records []columnarRecord) ([]byte, []int64, error) {
	var body bytes.Buffer
	offsets := make([]int64, len(records))
	for i, r := range records {
		body.Write(r.SHA[:])
		code, ok := typeCode(r.Type)
		if !ok {
			return nil, nil, fmt.Errorf("store: columnar encode: unknown type %q", r.Type)
		}
		body.WriteByte(code)
		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(r.Data)))
		body.Write(sizeBuf[:])
		offsets[i] = int64(body.Len())
		body.Write(r.Data)
	}

	hdr := columnarHeader{Version: 1, Count: len(records)}
	if len(records) > 0 {
		hdr.MinSHA = records[0].SHA.String()
		hdr.MaxSHA = records[len(records)-1].SHA.String()
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, nil, fmt.Errorf("store: columnar header: %w", err)
	}

	var out bytes.Buffer
	out.Write(hdrBytes)
	out.WriteByte(0)

	zw, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, nil, fmt.Errorf("store: columnar compress: %w", err)
	}
	if _, err := zw.Write(body.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("store: columnar compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("store: columnar compress: %w", err)
	}
	return out.Bytes(), offsets, nil
}

// decodeColumnarBody strips and parses a cold file's JSON header and
// decompresses everything after it, without splitting the result into
// individual records. Columnar files are a single zstd stream, so
// there is no way to range-read within one the way a warm pack's
// independently-framed objects allow — every read pays the full
// decompression, whether it wants one record or all of them.
func decodeColumnarBody(raw []byte) (columnarHeader, []byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return columnarHeader{}, nil, fmt.Errorf("store: columnar decode: missing header terminator")
	}
	var hdr columnarHeader
	if err := json.Unmarshal(raw[:nul], &hdr); err != nil {
		return columnarHeader{}, nil, fmt.Errorf("store: columnar decode header: %w", err)
	}

	zr, err := zstd.NewReader(bytes.NewReader(raw[nul+1:]))
	if err != nil {
		return columnarHeader{}, nil, fmt.Errorf("store: columnar decompress: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return columnarHeader{}, nil, fmt.Errorf("store: columnar decompress: %w", err)
	}
	return hdr, body, nil
}

// decodeColumnar parses a cold file back into its header and every
// record, used by compaction merges that need the whole set.
func decodeColumnar(raw []byte) (columnarHeader, []columnarRecord, error) {
	hdr, body, err := decodeColumnarBody(raw)
	if err != nil {
		return columnarHeader{}, nil, err
	}

	records := make([]columnarRecord, 0, hdr.Count)
	off := 0
	for i := 0; i < hdr.Count; i++ {
		if off+20+1+8 > len(body) {
			return columnarHeader{}, nil, fmt.Errorf("store: columnar decode: truncated record %d", i)
		}
		var sha objects.ObjectID
		copy(sha[:], body[off:off+20])
		off += 20
		typ, ok := typeName(body[off])
		if !ok {
			return columnarHeader{}, nil, fmt.Errorf("store: columnar decode: unknown type code %d", body[off])
		}
		off++
		size := binary.BigEndian.Uint64(body[off : off+8])
		off += 8
		if off+int(size) > len(body) {
			return columnarHeader{}, nil, fmt.Errorf("store: columnar decode: truncated body %d", i)
		}
		data := body[off : off+int(size)]
		off += int(size)
		records = append(records, columnarRecord{SHA: sha, Type: typ, Data: data})
	}
	return hdr, records, nil
}

// extractColumnarRecord decompresses raw and slices out one record's
// data directly at offset/size, without parsing any other record in
// the file.
func extractColumnarRecord(raw []byte, offset, size int64) ([]byte, error) {
	_, body, err := decodeColumnarBody(raw)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 || offset+size > int64(len(body)) {
		return nil, fmt.Errorf("store: columnar: entry out of bounds")
	}
	return body[offset : offset+size], nil
}

func typeCode(typ objects.ObjectType) (byte, bool) {
	switch typ {
	case objects.TypeCommit:
		return 1, true
	case objects.TypeTree:
		return 2, true
	case objects.TypeBlob:
		return 3, true
	case objects.TypeTag:
		return 4, true
	default:
		return 0, false
	}
}

func typeName(code byte) (objects.ObjectType, bool) {
	switch code {
	case 1:
		return objects.TypeCommit, true
	case 2:
		return objects.TypeTree, true
	case 3:
		return objects.TypeBlob, true
	case 4:
		return objects.TypeTag, true
	default:
		return "", false
	}
}
