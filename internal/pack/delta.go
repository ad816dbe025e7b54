package pack

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrDeltaOutOfBounds = errors.New("pack: delta copy/insert out of bounds")
	ErrMalformedDelta   = errors.New("pack: malformed delta instruction stream")
)

// deltaHeaderSizes reads the two size varints (source size, target size)
// that precede a delta's instruction stream. Each varint is little-endian
// base-128: each byte contributes 7 bits, continuation flagged by the
// high bit, least-significant group first.
func deltaHeaderSizes(data []byte) (srcSize, targetSize uint64, rest []byte, err error) {
	srcSize, data, err = readDeltaSize(data)
	if err != nil {
		return 0, 0, nil, err
	}
	targetSize, data, err = readDeltaSize(data)
	if err != nil {
		return 0, 0, nil, err
	}
	return srcSize, targetSize, data, nil
}

func readDeltaSize(data []byte) (uint64, []byte, error) {
	var size uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		size |= uint64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			return size, data[i+1:], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: truncated size varint", ErrMalformedDelta)
}

// ApplyDelta reconstructs a target object's bytes from a base object and
// a delta instruction stream, per the Git packfile delta encoding:
// the stream begins with (source size, target size) varints, followed
// by a sequence of copy and insert operations. A high bit set on an
// opcode byte means "copy from base" with per-bit-flagged offset/length
// bytes following (length 0 decodes as 0x10000); otherwise the opcode
// byte is a literal insert count and that many bytes follow verbatim.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	srcSize, targetSize, ops, err := deltaHeaderSizes(delta)
	if err != nil {
		return nil, err
	}
	if srcSize != uint64(len(base)) {
		return nil, fmt.Errorf("%w: delta source size %d != base size %d", ErrDeltaOutOfBounds, srcSize, len(base))
	}

	out := make([]byte, 0, targetSize)
	for len(ops) > 0 {
		opcode := ops[0]
		ops = ops[1:]

		if opcode&0x80 != 0 {
			var offset, length uint32
			if opcode&0x01 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(ops[0])
				ops = ops[1:]
			}
			if opcode&0x02 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(ops[0]) << 8
				ops = ops[1:]
			}
			if opcode&0x04 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(ops[0]) << 16
				ops = ops[1:]
			}
			if opcode&0x08 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(ops[0]) << 24
				ops = ops[1:]
			}
			if opcode&0x10 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				length |= uint32(ops[0])
				ops = ops[1:]
			}
			if opcode&0x20 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				length |= uint32(ops[0]) << 8
				ops = ops[1:]
			}
			if opcode&0x40 != 0 {
				if len(ops) == 0 {
					return nil, ErrMalformedDelta
				}
				length |= uint32(ops[0]) << 16
				ops = ops[1:]
			}
			if length == 0 {
				length = 0x10000
			}
			if uint64(offset)+uint64(length) > uint64(len(base)) {
				return nil, fmt.Errorf("%w: copy [%d,%d) exceeds base length %d", ErrDeltaOutOfBounds, offset, uint64(offset)+uint64(length), len(base))
			}
			out = append(out, base[offset:offset+length]...)
		} else if opcode != 0 {
			n := int(opcode)
			if len(ops) < n {
				return nil, fmt.Errorf("%w: insert of %d bytes truncated", ErrDeltaOutOfBounds, n)
			}
			out = append(out, ops[:n]...)
			ops = ops[n:]
		} else {
			return nil, fmt.Errorf("%w: reserved opcode 0", ErrMalformedDelta)
		}
	}

	if uint64(len(out)) != targetSize {
		return nil, fmt.Errorf("%w: target size %d != produced %d", ErrDeltaOutOfBounds, targetSize, len(out))
	}
	return out, nil
}

// ProduceDelta builds a minimal delta that copies all of base and
// appends nothing — i.e. the identity delta used by invariant #6
// (apply_delta(base, produce_delta(base, base)) == base). A real
// diff-based delta encoder for push/send-pack belongs in the write
// path; this is the degenerate but always-correct case every resolver
// must handle.
func ProduceDelta(base []byte) []byte {
	var buf bytes.Buffer
	writeDeltaSize(&buf, uint64(len(base)))
	writeDeltaSize(&buf, uint64(len(base)))

	remaining := len(base)
	offset := 0
	for remaining > 0 {
		n := remaining
		if n > 0x10000 {
			n = 0x10000
		}
		writeCopyOp(&buf, uint32(offset), uint32(n))
		offset += n
		remaining -= n
	}
	return buf.Bytes()
}

func writeDeltaSize(buf *bytes.Buffer, size uint64) {
	for {
		b := byte(size & 0x7F)
		size >>= 7
		if size != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if size == 0 {
			return
		}
	}
}

func writeCopyOp(buf *bytes.Buffer, offset, length uint32) {
	opcode := byte(0x80)
	var args []byte
	if offset&0xFF != 0 || offset == 0 {
		opcode |= 0x01
		args = append(args, byte(offset))
	}
	if offset>>8&0xFF != 0 {
		opcode |= 0x02
		args = append(args, byte(offset>>8))
	}
	if offset>>16&0xFF != 0 {
		opcode |= 0x04
		args = append(args, byte(offset>>16))
	}
	if offset>>24&0xFF != 0 {
		opcode |= 0x08
		args = append(args, byte(offset>>24))
	}
	encLength := length
	if encLength == 0x10000 {
		encLength = 0
	}
	if encLength&0xFF != 0 || encLength == 0 {
		opcode |= 0x10
		args = append(args, byte(encLength))
	}
	if encLength>>8&0xFF != 0 {
		opcode |= 0x20
		args = append(args, byte(encLength>>8))
	}
	if encLength>>16&0xFF != 0 {
		opcode |= 0x40
		args = append(args, byte(encLength>>16))
	}
	buf.WriteByte(opcode)
	buf.Write(args)
}
