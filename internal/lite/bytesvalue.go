package lite

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// A serialized google.protobuf.BytesValue is, in the overwhelmingly common
// case, one tag byte (field 1, wire type 2) followed by a base-128 length
// and the payload. The helpers below recognise and produce exactly that
// shape and defer everything else to the protobuf runtime.

const (
	bytesValueTag = 0x0A

	// MaxBytesValueFastLength is the largest payload the fast path encodes:
	// a three-byte length prefix holds 21 bits.
	MaxBytesValueFastLength = 0x1FFFFF
)

// BufferWriter is the reserve-then-commit destination used by
// WriteBytesValue. *bytes.Buffer and *bufio.Writer satisfy it.
type BufferWriter interface {
	AvailableBuffer() []byte
	Write(p []byte) (int, error)
}

// ParseBytesValue returns the payload of a serialized BytesValue. On the
// fast path the result aliases b.
func ParseBytesValue(b []byte) ([]byte, error) {
	if payload, ok := parseBytesValueFast(b); ok {
		return payload, nil
	}
	return parseBytesValueSlow(b)
}

// parseBytesValueFast reads the first four bytes as a little-endian word
// and tests the continuation bits of the three possible length bytes at
// once. The result is trusted only when header and payload account for
// every byte of b.
func parseBytesValueFast(b []byte) ([]byte, bool) {
	var raw uint32
	if len(b) >= 4 {
		raw = binary.LittleEndian.Uint32(b)
	} else {
		var padded [4]byte
		copy(padded[:], b)
		raw = binary.LittleEndian.Uint32(padded[:])
	}

	var headerLen, length int
	switch raw & 0x808080FF {
	case 0x0000000A, 0x8000000A, 0x0080000A, 0x8080000A:
		// one length byte; bytes 2 and 3 already belong to the payload
		headerLen = 2
		length = int((raw & 0x7F00) >> 8)
	case 0x0000800A, 0x8000800A:
		headerLen = 3
		length = int((raw&0x7F00)>>8 | (raw&0x7F0000)>>9)
	case 0x0080800A:
		headerLen = 4
		length = int((raw&0x7F00)>>8 | (raw&0x7F0000)>>9 | (raw&0x7F000000)>>10)
	default:
		return nil, false
	}
	if headerLen+length != len(b) {
		return nil, false
	}
	return b[headerLen:], true
}

// parseBytesValueSlow runs the general protobuf decoder. It handles
// anything the wire format allows: repeated fields, unknown fields,
// lengths beyond 21 bits.
func parseBytesValueSlow(b []byte) ([]byte, error) {
	var v wrapperspb.BytesValue
	if err := proto.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("lite: malformed BytesValue: %w", err)
	}
	return v.GetValue(), nil
}

// bytesValueHeader computes the tag and length prefix for an n-byte payload.
func bytesValueHeader(n int) ([4]byte, int, error) {
	var hdr [4]byte
	hdr[0] = bytesValueTag
	switch {
	case n < 0 || n > MaxBytesValueFastLength:
		return hdr, 0, fmt.Errorf("%w: BytesValue payload of %d bytes", ErrFrameTooLarge, n)
	case n <= 0x7F:
		hdr[1] = byte(n)
		return hdr, 2, nil
	case n <= 0x3FFF:
		hdr[1] = byte(n) | 0x80
		hdr[2] = byte(n >> 7)
		return hdr, 3, nil
	default:
		hdr[1] = byte(n) | 0x80
		hdr[2] = byte(n>>7) | 0x80
		hdr[3] = byte(n >> 14)
		return hdr, 4, nil
	}
}

// AppendBytesValue appends the BytesValue encoding of payload to dst.
// Unlike proto.Marshal it always emits the field, even for an empty payload.
func AppendBytesValue(dst, payload []byte) ([]byte, error) {
	hdr, n, err := bytesValueHeader(len(payload))
	if err != nil {
		return dst, err
	}
	dst = append(dst, hdr[:n]...)
	return append(dst, payload...), nil
}

// WriteBytesValue encodes payload into w. When w has room for the whole
// encoding it is assembled in w's spare capacity and committed with one
// Write; otherwise the header and payload go out as two writes. Both paths
// produce identical bytes.
func WriteBytesValue(w BufferWriter, payload []byte) error {
	hdr, n, err := bytesValueHeader(len(payload))
	if err != nil {
		return err
	}
	total := n + len(payload)
	if buf := w.AvailableBuffer(); cap(buf) >= total {
		buf = append(buf, hdr[:n]...)
		buf = append(buf, payload...)
		_, err = w.Write(buf)
		return err
	}
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
