package lite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/multiformats/go-varint"
)

// Kind identifies what a frame carries. It occupies the low nibble of the
// kind+flags byte.
type Kind uint8

const (
	// KindOpen starts a call. Its payload is a header block naming the method.
	KindOpen Kind = 0x1
	// KindHeader carries response metadata.
	KindHeader Kind = 0x2
	// KindPayload carries one fragment of a message.
	KindPayload Kind = 0x3
	// KindHalfClose ends one direction of a stream. From the server it carries trailers.
	KindHalfClose Kind = 0x4
	// KindCancel aborts a stream.
	KindCancel Kind = 0x5
	// KindClose announces a graceful connection shutdown. Control stream only.
	KindClose Kind = 0x6
	// KindPing carries an 8-byte nonce. Control stream only.
	KindPing Kind = 0x7
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindHeader:
		return "HEADER"
	case KindPayload:
		return "PAYLOAD"
	case KindHalfClose:
		return "HALF_CLOSE"
	case KindCancel:
		return "CANCEL"
	case KindClose:
		return "CLOSE"
	case KindPing:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN_KIND_%d", uint8(k))
	}
}

func (k Kind) valid() bool { return k >= KindOpen && k <= KindPing }

// control reports whether frames of this kind are addressed to the
// connection rather than a stream.
func (k Kind) control() bool { return k == KindClose || k == KindPing }

// Flags modify a frame. They occupy the high nibble of the kind+flags byte.
type Flags uint8

const (
	// FlagFinal marks the last fragment of a message.
	FlagFinal Flags = 0x10
	// FlagCompressed marks a fragment of an S2-compressed message.
	FlagCompressed Flags = 0x20
	// FlagAck marks a ping reply.
	FlagAck Flags = 0x40

	kindMask  = 0x0F
	flagsMask = 0xF0
)

// Has reports whether all bits of v are set.
func (f Flags) Has(v Flags) bool { return f&v == v }

// String returns the set flags joined by '|'.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	if f.Has(FlagFinal) {
		names = append(names, "FINAL")
	}
	if f.Has(FlagCompressed) {
		names = append(names, "COMPRESSED")
	}
	if f.Has(FlagAck) {
		names = append(names, "ACK")
	}
	if rest := f &^ (FlagFinal | FlagCompressed | FlagAck); rest != 0 {
		names = append(names, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(names, "|")
}

const (
	// ControlStreamID addresses connection-level frames. The allocator never
	// hands it out, so call IDs run from 0 to 0xFFFE.
	ControlStreamID uint16 = 0xFFFF

	// MaxPayloadLength is the largest payload a single frame can carry: the
	// length prefix holds at most 21 significant bits.
	MaxPayloadLength = 0x1FFFFF

	fixedHeaderLen  = 3 // stream ID (2) + kind/flags (1)
	maxLengthPrefix = 3

	// MaxFrameHeaderLen is the longest possible encoded frame header.
	MaxFrameHeaderLen = fixedHeaderLen + maxLengthPrefix
)

// Frame is the atomic protocol unit. Wire layout:
//
//	[streamId:2 big-endian][kind|flags:1][length:uvarint, 1-3 bytes][payload]
type Frame struct {
	StreamID uint16
	Kind     Kind
	Flags    Flags
	Payload  []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("[%s stream=%d flags=%s len=%d]", f.Kind, f.StreamID, f.Flags, len(f.Payload))
}

// EncodedLen returns the number of bytes AppendFrame produces for f.
func (f Frame) EncodedLen() int {
	return fixedHeaderLen + varint.UvarintSize(uint64(len(f.Payload))) + len(f.Payload)
}

func (f Frame) validate() error {
	if len(f.Payload) > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	if uint8(f.Kind)&^kindMask != 0 || uint8(f.Flags)&^flagsMask != 0 {
		return fmt.Errorf("%w: kind 0x%02x / flags 0x%02x overlap", ErrMalformedFrame, uint8(f.Kind), uint8(f.Flags))
	}
	return nil
}

// appendHeader appends everything but the payload.
func appendHeader(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.StreamID)
	dst = append(dst, uint8(f.Kind)|uint8(f.Flags))
	var prefix [maxLengthPrefix]byte
	n := varint.PutUvarint(prefix[:], uint64(len(f.Payload)))
	return append(dst, prefix[:n]...)
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return dst, err
	}
	dst = appendHeader(dst, f)
	return append(dst, f.Payload...), nil
}

// WriteFrame writes f to w as a header write followed by a payload write,
// and returns the number of bytes written. The caller must be the only
// writer of w for the duration of the call.
func WriteFrame(w io.Writer, f Frame) (int, error) {
	if err := f.validate(); err != nil {
		return 0, err
	}
	var scratch [MaxFrameHeaderLen]byte
	hdr := appendHeader(scratch[:0], f)
	n, err := w.Write(hdr)
	if err != nil {
		return n, err
	}
	if len(f.Payload) == 0 {
		return n, nil
	}
	m, err := w.Write(f.Payload)
	return n + m, err
}

// DecodeFrame decodes the frame at the front of b and returns it together
// with the number of bytes it occupied. The payload aliases b.
//
// ErrNeedMoreData means b holds a proper prefix of a frame; any other error
// means the byte stream can no longer be trusted to be frame-aligned.
// Unknown kinds are returned as-is; rejecting them is the caller's call.
func DecodeFrame(b []byte, maxPayload int) (Frame, int, error) {
	if len(b) < fixedHeaderLen+1 {
		return Frame{}, 0, ErrNeedMoreData
	}
	prefix := b[fixedHeaderLen:]
	if len(prefix) > maxLengthPrefix {
		prefix = prefix[:maxLengthPrefix]
	}
	length, n, err := varint.FromUvarint(prefix)
	switch {
	case errors.Is(err, varint.ErrUnderflow) && len(prefix) < maxLengthPrefix:
		return Frame{}, 0, ErrNeedMoreData
	case err != nil:
		return Frame{}, 0, fmt.Errorf("%w: length prefix: %v", ErrMalformedFrame, err)
	}
	if maxPayload <= 0 || maxPayload > MaxPayloadLength {
		maxPayload = MaxPayloadLength
	}
	if length > uint64(maxPayload) {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, maxPayload)
	}
	total := fixedHeaderLen + n + int(length)
	if len(b) < total {
		return Frame{}, 0, ErrNeedMoreData
	}
	kf := b[2]
	return Frame{
		StreamID: binary.BigEndian.Uint16(b),
		Kind:     Kind(kf & kindMask),
		Flags:    Flags(kf & flagsMask),
		Payload:  b[fixedHeaderLen+n : total : total],
	}, total, nil
}
