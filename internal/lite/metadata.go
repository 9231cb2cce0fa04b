package lite

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Reserved header names. Anything else is user metadata.
const (
	headerPath    = ":path"
	headerTimeout = "grpc-timeout"
	headerStatus  = "grpc-status"
	headerMessage = "grpc-message"

	// maxHeaderBlockStrings bounds a single decoded header name or value.
	maxHeaderBlockStrings = 16 << 10
)

func reservedHeader(name string) bool {
	return strings.HasPrefix(name, ":") || name == headerTimeout || name == headerStatus || name == headerMessage
}

// headerBlock is a decoded Open/Header/HalfClose payload.
type headerBlock struct {
	reserved map[string]string
	md       metadata.MD
}

// encodeHeaderBlock HPACK-encodes reserved fields (in the given order)
// followed by md in key order. Every block uses a fresh encoder so blocks
// can be decoded independently of frame arrival order.
func encodeHeaderBlock(reserved []hpack.HeaderField, md metadata.MD) ([]byte, error) {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range reserved {
		if err := enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToLower(k)
		if reservedHeader(name) {
			continue
		}
		for _, v := range md[k] {
			if err := enc.WriteField(hpack.HeaderField{Name: name, Value: v}); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func decodeHeaderBlock(b []byte) (headerBlock, error) {
	hb := headerBlock{reserved: map[string]string{}, md: metadata.MD{}}
	if len(b) == 0 {
		return hb, nil
	}
	dec := hpack.NewDecoder(4096, nil)
	dec.SetMaxStringLength(maxHeaderBlockStrings)
	fields, err := dec.DecodeFull(b)
	if err != nil {
		return hb, fmt.Errorf("lite: malformed header block: %w", err)
	}
	for _, f := range fields {
		if reservedHeader(f.Name) {
			hb.reserved[f.Name] = f.Value
			continue
		}
		hb.md.Append(f.Name, f.Value)
	}
	return hb, nil
}

func encodeOpen(method string, timeout time.Duration, md metadata.MD) ([]byte, error) {
	reserved := []hpack.HeaderField{{Name: headerPath, Value: method}}
	if timeout > 0 {
		reserved = append(reserved, hpack.HeaderField{Name: headerTimeout, Value: encodeTimeout(timeout)})
	}
	return encodeHeaderBlock(reserved, md)
}

func encodeTrailers(st *status.Status, md metadata.MD) ([]byte, error) {
	reserved := []hpack.HeaderField{{Name: headerStatus, Value: strconv.Itoa(int(st.Code()))}}
	if msg := st.Message(); msg != "" {
		reserved = append(reserved, hpack.HeaderField{Name: headerMessage, Value: msg})
	}
	return encodeHeaderBlock(reserved, md)
}

// trailerStatus extracts the call status from a decoded trailer block. A
// missing grpc-status is treated as a broken peer.
func trailerStatus(hb headerBlock) *status.Status {
	raw, ok := hb.reserved[headerStatus]
	if !ok {
		return status.New(codes.Internal, "trailers without grpc-status")
	}
	code, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return status.Newf(codes.Internal, "malformed grpc-status %q", raw)
	}
	return status.New(codes.Code(code), hb.reserved[headerMessage])
}

var timeoutUnits = []struct {
	unit byte
	d    time.Duration
}{
	{'n', time.Nanosecond},
	{'u', time.Microsecond},
	{'m', time.Millisecond},
	{'S', time.Second},
	{'M', time.Minute},
	{'H', time.Hour},
}

// encodeTimeout renders d as at most eight digits plus a unit, rounding up
// so the peer never sees a shorter deadline than ours.
func encodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "1n"
	}
	for _, u := range timeoutUnits {
		v := (d + u.d - 1) / u.d
		if v < 1e8 {
			return strconv.FormatInt(int64(v), 10) + string(u.unit)
		}
	}
	return "99999999H"
}

func decodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, fmt.Errorf("lite: malformed timeout %q", s)
	}
	unit := s[len(s)-1]
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("lite: malformed timeout %q", s)
	}
	for _, u := range timeoutUnits {
		if u.unit == unit {
			return time.Duration(v) * u.d, nil
		}
	}
	return 0, fmt.Errorf("lite: unknown timeout unit in %q", s)
}
