package lite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"github.com/klauspost/compress/s2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StreamState is the protocol state of one call.
type StreamState int32

const (
	// StateIdle is a stream that has not been opened yet.
	StateIdle StreamState = iota
	// StateOpening is a stream whose ID is being reserved and Open frame sent.
	StateOpening
	// StateActive permits messages in both directions.
	StateActive
	// StateHalfClosedLocal: this side finished sending, the peer may still send.
	StateHalfClosedLocal
	// StateHalfClosedRemote: the peer finished sending, this side may still send.
	StateHalfClosedRemote
	// StateClosed is the normal terminal state.
	StateClosed
	// StateCancelled is the absorbing terminal state for cancellation and faults.
	StateCancelled
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	case StateClosed:
		return "closed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

func (s StreamState) terminal() bool { return s == StateClosed || s == StateCancelled }

// WriteOptions tune a single message write.
type WriteOptions struct {
	// BufferHint lets the connection hold the message in its write buffer
	// instead of flushing the transport right away. The next write without
	// the hint flushes it; otherwise the writer does so a millisecond
	// later.
	BufferHint bool
}

// streamLimits are the per-connection parameters streams need.
type streamLimits struct {
	maxFrame          int
	maxMessage        int
	compressThreshold int
	streamBuffer      int
	// asyncWrites means submit may return before the frame is written, so
	// payloads must not alias caller memory.
	asyncWrites bool
}

// streamHost is the slice of a connection that streams see. Streams hold
// their ID and this interface; the registry is the only owner of streams.
type streamHost interface {
	allocate(ctx context.Context, s stream) (uint16, error)
	submit(ctx context.Context, f Frame, bufferHint bool) error
	release(s stream)
	retire(s stream) func()
	limits() streamLimits
	logger() *logger.Logger
	metrics() *metrics.Metrics
	connID() string
}

var (
	// errInterrupted is returned by messageQueue.pop when the waiter's done
	// channel fired before the queue was finished.
	errInterrupted = errors.New("lite: wait interrupted")
	// errStreamFinished is the context cause for streams that ended normally.
	errStreamFinished = errors.New("lite: stream finished")
	// errCallDisposed is the context cause for a client call closed by its owner.
	errCallDisposed = errors.New("lite: call disposed")
)

// messageQueue is a stream's inbound message buffer. It holds at most
// limit messages; push waits for the consumer beyond that, which suspends
// frame routing for the whole connection until the stream is read or ends.
type messageQueue struct {
	mu     sync.Mutex
	items  [][]byte
	limit  int
	err    error
	notify chan struct{}
	space  chan struct{}
}

func newMessageQueue(limit int) *messageQueue {
	return &messageQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push appends msg, waiting while the queue is full. It reports false once
// the queue was finished; msg is then discarded.
func (q *messageQueue) push(msg []byte) bool {
	for {
		q.mu.Lock()
		if q.err != nil {
			q.mu.Unlock()
			return false
		}
		if q.limit <= 0 || len(q.items) < q.limit {
			q.items = append(q.items, msg)
			q.mu.Unlock()
			wake(q.notify)
			return true
		}
		q.mu.Unlock()
		<-q.space
	}
}

// len reports the number of queued messages.
func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// finish ends the queue. Messages already queued are still delivered; err
// is returned once they are gone. Only the first call has any effect.
func (q *messageQueue) finish(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	wake(q.notify)
	wake(q.space)
}

func (q *messageQueue) tryPop() ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		msg := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		wake(q.space)
		return msg, true, nil
	}
	if q.err != nil {
		return nil, true, q.err
	}
	return nil, false, nil
}

func (q *messageQueue) pop(done <-chan struct{}) ([]byte, error) {
	for {
		if msg, ok, err := q.tryPop(); ok {
			return msg, err
		}
		select {
		case <-q.notify:
		case <-done:
			if msg, ok, err := q.tryPop(); ok {
				return msg, err
			}
			return nil, errInterrupted
		}
	}
}

// assembler rebuilds messages from Payload fragments. It is only touched
// by the goroutine that routes frames for its stream.
type assembler struct {
	buf        []byte
	compressed bool
	started    bool
	max        int
}

// add consumes one fragment and returns the message once its final
// fragment arrived.
func (a *assembler) add(f Frame) ([]byte, bool, error) {
	if !a.started {
		a.started = true
		a.compressed = f.Flags.Has(FlagCompressed)
		if f.Flags.Has(FlagFinal) {
			// Single-fragment message: the payload is already a private copy.
			a.started = false
			return a.decode(f.Payload)
		}
		a.buf = append(a.buf[:0], f.Payload...)
	} else {
		if len(a.buf)+len(f.Payload) > a.max {
			a.reset()
			return nil, false, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, a.max)
		}
		a.buf = append(a.buf, f.Payload...)
	}
	if len(a.buf) > a.max {
		a.reset()
		return nil, false, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, a.max)
	}
	if !f.Flags.Has(FlagFinal) {
		return nil, false, nil
	}
	msg := a.buf
	a.buf = nil
	a.started = false
	return a.decode(msg)
}

func (a *assembler) decode(msg []byte) ([]byte, bool, error) {
	if !a.compressed {
		if len(msg) > a.max {
			return nil, false, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(msg), a.max)
		}
		return msg, true, nil
	}
	n, err := s2.DecodedLen(msg)
	if err != nil {
		return nil, false, fmt.Errorf("lite: corrupt compressed message: %w", err)
	}
	if n > a.max {
		return nil, false, fmt.Errorf("%w: %d bytes decompressed (limit %d)", ErrMessageTooLarge, n, a.max)
	}
	out, err := s2.Decode(make([]byte, n), msg)
	if err != nil {
		return nil, false, fmt.Errorf("lite: corrupt compressed message: %w", err)
	}
	return out, true, nil
}

func (a *assembler) reset() {
	a.buf = nil
	a.started = false
	a.compressed = false
}

// sendMessage frames msg onto stream id: compressed when worthwhile, split
// into maxFrame-sized Payload fragments, FlagFinal on the last one. An
// empty message is a single empty final fragment. Callers serialise
// sendMessage per stream so fragments of two messages never interleave.
func sendMessage(ctx context.Context, h streamHost, id uint16, msg []byte, opts WriteOptions) error {
	lim := h.limits()
	if len(msg) > lim.maxMessage {
		return status.Errorf(codes.ResourceExhausted, "message of %d bytes exceeds limit of %d", len(msg), lim.maxMessage)
	}
	var flags Flags
	compressed := false
	if lim.compressThreshold > 0 && len(msg) >= lim.compressThreshold {
		if enc := s2.Encode(nil, msg); len(enc) < len(msg) {
			msg = enc
			flags |= FlagCompressed
			compressed = true
		}
	}
	if lim.asyncWrites && !compressed && len(msg) > 0 {
		msg = bytes.Clone(msg)
	}
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		n := min(len(msg), lim.maxFrame)
		f := Frame{StreamID: id, Kind: KindPayload, Flags: flags, Payload: msg[:n:n]}
		msg = msg[n:]
		last := len(msg) == 0
		if last {
			f.Flags |= FlagFinal
		}
		if err := h.submit(ctx, f, opts.BufferHint || !last); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func streamRole(s stream) string {
	if _, ok := s.(*ClientStream); ok {
		return RoleClient.String()
	}
	return RoleServer.String()
}
