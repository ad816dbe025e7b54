package pack

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/gitvault/server/internal/objects"
)

// Entry is one object to be serialized into a packfile.
type Entry struct {
	Type objects.ObjectType
	Data []byte
}

// WritePack serializes entries as a version-2 packfile and appends the
// trailing 20-byte SHA-1 checksum of everything written before it, per
// the on-disk pack format. Every object is written whole (zlib-deflated
// at the default level, never delta-encoded) — real delta compression for
// outbound packs is a size optimization, not a correctness requirement, and
// ApplyDelta/ProduceDelta in delta.go already cover the decode and identity
// paths a receiver needs.
func WritePack(w io.Writer, entries []Entry) error {
	h := sha1.New()
	mw := io.MultiWriter(w, h)

	if err := WriteHeader(mw, uint32(len(entries))); err != nil {
		return fmt.Errorf("pack: write header: %w", err)
	}

	for i, e := range entries {
		code, ok := TypeCode(string(e.Type))
		if !ok {
			return fmt.Errorf("pack: entry %d: unknown object type %q", i, e.Type)
		}
		if err := WriteObjectHeader(mw, code, uint64(len(e.Data))); err != nil {
			return fmt.Errorf("pack: entry %d: write object header: %w", i, err)
		}
		zw := zlib.NewWriter(mw)
		if _, err := zw.Write(e.Data); err != nil {
			return fmt.Errorf("pack: entry %d: compress: %w", i, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("pack: entry %d: compress: %w", i, err)
		}
	}

	sum := h.Sum(nil)
	if _, err := w.Write(sum); err != nil {
		return fmt.Errorf("pack: write checksum: %w", err)
	}
	return nil
}

// WritePackWithOffsets behaves like WritePack but also returns the
// byte offset of each entry's object header within the packfile, for
// callers (the warm-tier flush path) that need to record per-object
// locations in the object-location index.
func WritePackWithOffsets(w io.Writer, entries []Entry) ([]int64, error) {
	h := sha1.New()
	cw := &countingWriter{w: io.MultiWriter(w, h)}

	if err := WriteHeader(cw, uint32(len(entries))); err != nil {
		return nil, fmt.Errorf("pack: write header: %w", err)
	}

	offsets := make([]int64, len(entries))
	for i, e := range entries {
		offsets[i] = cw.n
		code, ok := TypeCode(string(e.Type))
		if !ok {
			return nil, fmt.Errorf("pack: entry %d: unknown object type %q", i, e.Type)
		}
		if err := WriteObjectHeader(cw, code, uint64(len(e.Data))); err != nil {
			return nil, fmt.Errorf("pack: entry %d: write object header: %w", i, err)
		}
		zw := zlib.NewWriter(cw)
		if _, err := zw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("pack: entry %d: compress: %w", i, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("pack: entry %d: compress: %w", i, err)
		}
	}

	sum := h.Sum(nil)
	if _, err := w.Write(sum); err != nil {
		return nil, fmt.Errorf("pack: write checksum: %w", err)
	}
	return offsets, nil
}

// ReadStoredObject decodes one pack entry's variable-length header and
// inflates its zlib body, starting at r's current position. It rejects
// OFS_DELTA/REF_DELTA entries: callers that extract a single object
// out of a packfile by offset (rather than parsing the whole stream)
// only do so against packs WritePack produced, where every entry is
// stored whole, so a delta type here means the caller pointed it at
// the wrong offset.
func ReadStoredObject(r io.Reader) (typ byte, data []byte, err error) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	oh, err := ReadObjectHeader(br)
	if err != nil {
		return 0, nil, fmt.Errorf("pack: read stored object header: %w", err)
	}
	if oh.Type == TypeOfsDelta || oh.Type == TypeRefDelta {
		return 0, nil, fmt.Errorf("pack: read stored object: entry at this offset is delta-encoded")
	}
	data, err = inflateOne(br, oh.Size)
	if err != nil {
		return 0, nil, fmt.Errorf("pack: read stored object body: %w", err)
	}
	return oh.Type, data, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ErrChecksumMismatch is returned by ReadPack when the trailing SHA-1
// checksum does not match the bytes that preceded it.
var ErrChecksumMismatch = errors.New("pack: trailing checksum mismatch")

// ReadPack parses a complete packfile from r (header through trailing
// checksum), verifying the checksum and resolving every delta via
// Parse. external supplies thin-pack bases from outside this stream.
func ReadPack(r io.Reader, external ExternalBases) ([]ResolvedObject, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pack: read: %w", err)
	}
	if len(raw) < 12+20 {
		return nil, fmt.Errorf("pack: truncated, only %d bytes", len(raw))
	}

	body, trailer := raw[:len(raw)-20], raw[len(raw)-20:]
	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, ErrChecksumMismatch
	}

	br := bytes.NewReader(body)
	header, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}

	return Parse(context.Background(), br, header, external)
}
