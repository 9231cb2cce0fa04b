package lite

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"example.com/grpclite/internal/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClientStream is the calling side of one RPC. It is created by
// Invoker.NewStream already opened; message methods follow the usual
// rules: one goroutine sending and one receiving at a time.
type ClientStream struct {
	host    streamHost
	method  string
	id      uint16
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu           sync.Mutex
	state        StreamState
	registered   bool
	closingSend  bool
	localClosed  bool
	remoteClosed bool
	// cancelSt, when set, is the status a cancellation reports instead of
	// the one derived from the context. silent suppresses the Cancel frame.
	cancelSt *status.Status
	silent   bool
	header   metadata.MD
	trailer  metadata.MD
	st       *status.Status

	headerCh   chan struct{}
	headerOnce sync.Once
	done       chan struct{}
	finalOnce  sync.Once

	// sendMu serialises outbound frames of this stream.
	sendMu sync.Mutex
	inbox  *messageQueue
	asm    assembler
}

func newClientStream(ctx context.Context, host streamHost, method string) *ClientStream {
	lim := host.limits()
	s := &ClientStream{
		host:     host,
		method:   method,
		started:  time.Now(),
		headerCh: make(chan struct{}),
		done:     make(chan struct{}),
		inbox:    newMessageQueue(lim.streamBuffer),
		asm:      assembler{max: lim.maxMessage},
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	return s
}

func (s *ClientStream) streamID() uint16 { return s.id }

func (s *ClientStream) bindID(id uint16) { s.id = id }

// open reserves an ID and sends the Open frame carrying method, deadline
// and outgoing metadata. bufferHint defers the flush when a message is
// about to follow.
func (s *ClientStream) open(md metadata.MD, bufferHint bool) error {
	s.mu.Lock()
	s.state = StateOpening
	s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return s.failOpen(contextStatus(s.ctx))
	}
	if _, err := s.host.allocate(s.ctx, s); err != nil {
		return s.failOpen(statusFromError(err))
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	context.AfterFunc(s.ctx, s.onContextDone)

	var timeout time.Duration
	if dl, ok := s.ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	payload, err := encodeOpen(s.method, timeout, md)
	if err != nil {
		st := status.Newf(codes.Internal, "encoding request metadata: %v", err)
		s.fail(st, false)
		return st.Err()
	}
	s.sendMu.Lock()
	err = s.host.submit(s.ctx, Frame{StreamID: s.id, Kind: KindOpen, Payload: payload}, bufferHint)
	s.sendMu.Unlock()
	if err != nil {
		st := s.errStatus(err)
		// Nothing reached the peer, so there is nobody to cancel.
		s.fail(st, false)
		return st.Err()
	}

	s.mu.Lock()
	if s.state == StateOpening {
		s.state = StateActive
	}
	s.mu.Unlock()
	return nil
}

// failOpen ends a stream that never reached the peer.
func (s *ClientStream) failOpen(st *status.Status) error {
	s.mu.Lock()
	s.state = StateCancelled
	s.st = st
	s.mu.Unlock()
	s.inbox.finish(st.Err())
	s.closeHeader()
	s.finalize()
	s.cancel(st.Err())
	return st.Err()
}

func (s *ClientStream) closeHeader() {
	s.headerOnce.Do(func() { close(s.headerCh) })
}

// ctxStatus is the status of a stream whose context has ended.
func (s *ClientStream) ctxStatus() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != nil {
		return s.st
	}
	if s.cancelSt != nil {
		return s.cancelSt
	}
	return contextStatus(s.ctx)
}

// errStatus maps a failed submit onto the status the caller sees.
func (s *ClientStream) errStatus(err error) *status.Status {
	if s.ctx.Err() != nil {
		return s.ctxStatus()
	}
	return statusFromError(err)
}

// fail cancels the stream with st. sendCancel controls whether the peer
// is told.
func (s *ClientStream) fail(st *status.Status, sendCancel bool) {
	s.mu.Lock()
	if s.cancelSt == nil {
		s.cancelSt = st
		s.silent = s.silent || !sendCancel
	}
	s.mu.Unlock()
	s.cancel(st.Err())
}

// onContextDone runs once the stream context ends, whether from the
// caller, Close, a fault or normal completion.
func (s *ClientStream) onContextDone() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.remoteClosed {
		// The server already reported its status; only our side is left.
		s.state = StateClosed
		s.mu.Unlock()
		s.sendMu.Lock()
		s.finalize()
		s.sendMu.Unlock()
		return
	}
	st := s.cancelSt
	if st == nil {
		st = contextStatus(s.ctx)
	}
	s.state = StateCancelled
	s.st = st
	notify := s.registered && !s.silent
	s.mu.Unlock()

	s.inbox.finish(st.Err())
	s.closeHeader()
	s.host.metrics().StreamsCancelled.WithLabelValues(RoleClient.String()).Inc()
	if notify {
		// Best effort: the connection may already be gone.
		_ = s.host.submit(context.Background(), Frame{StreamID: s.id, Kind: KindCancel}, false)
	}
	// Holding sendMu waits out any send still in flight, so none of this
	// stream's frames can be queued behind a new stream reusing the ID.
	s.sendMu.Lock()
	s.finalize()
	s.sendMu.Unlock()
}

// complete is the normal end: both directions closed.
func (s *ClientStream) complete() {
	s.finalize()
	s.cancel(errStreamFinished)
}

func (s *ClientStream) finalize() {
	s.finalOnce.Do(func() {
		s.host.release(s)
		close(s.done)
		lg := s.host.logger()
		if !lg.CallLogEnabled() {
			return
		}
		s.mu.Lock()
		st := s.st
		s.mu.Unlock()
		lg.LogCall(logger.CallRecord{
			ConnID:   s.host.connID(),
			StreamID: s.id,
			Method:   s.method,
			Role:     RoleClient.String(),
			Code:     st.Code().String(),
			Message:  st.Message(),
			Duration: time.Since(s.started),
		})
	})
}

func (s *ClientStream) handleFrame(f Frame) {
	switch f.Kind {
	case KindHeader:
		hb, err := decodeHeaderBlock(f.Payload)
		if err != nil {
			s.fail(status.Newf(codes.Internal, "response header: %v", err), true)
			return
		}
		s.mu.Lock()
		if s.header == nil && !s.state.terminal() {
			s.header = hb.md
		}
		s.mu.Unlock()
		s.closeHeader()

	case KindPayload:
		s.mu.Lock()
		drop := s.remoteClosed || s.state.terminal()
		s.mu.Unlock()
		if drop {
			return
		}
		msg, ok, err := s.asm.add(f)
		if err != nil {
			code := codes.Internal
			if errors.Is(err, ErrMessageTooLarge) {
				code = codes.ResourceExhausted
			}
			s.fail(status.New(code, err.Error()), true)
			return
		}
		if ok {
			s.closeHeader()
			s.inbox.push(msg)
		}

	case KindHalfClose:
		hb, err := decodeHeaderBlock(f.Payload)
		st := trailerStatus(hb)
		if err != nil {
			st = status.Newf(codes.Internal, "response trailers: %v", err)
		}
		s.mu.Lock()
		if s.remoteClosed || s.state.terminal() {
			s.mu.Unlock()
			return
		}
		s.remoteClosed = true
		s.trailer = hb.md
		s.st = st
		closed := s.localClosed
		if closed {
			s.state = StateClosed
		} else {
			s.state = StateHalfClosedRemote
		}
		s.mu.Unlock()

		s.closeHeader()
		if st.Code() == codes.OK {
			s.inbox.finish(io.EOF)
		} else {
			s.inbox.finish(st.Err())
		}
		if closed {
			s.complete()
		}

	case KindCancel:
		s.fail(status.New(codes.Canceled, "stream cancelled by server"), false)

	default:
		s.host.logger().Debug("Dropping unexpected frame on client stream", logger.LogFields{
			"stream_id": f.StreamID,
			"kind":      f.Kind.String(),
		})
	}
}

func (s *ClientStream) abort(st *status.Status) {
	s.fail(st, false)
}

// Context returns the stream's context. It is cancelled when the call ends.
func (s *ClientStream) Context() context.Context { return s.ctx }

// Method returns the full method name, "/service/method".
func (s *ClientStream) Method() string { return s.method }

// ID returns the stream identifier on its connection.
func (s *ClientStream) ID() uint16 { return s.id }

// State returns the current protocol state.
func (s *ClientStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendMsg sends one request message. It returns io.EOF once the server
// has finished the call; the outcome is then available from RecvMsg and
// Status.
func (s *ClientStream) SendMsg(msg []byte) error {
	return s.SendMsgWithOptions(msg, WriteOptions{})
}

// SendMsgWithOptions is SendMsg with per-message write options.
func (s *ClientStream) SendMsgWithOptions(msg []byte, opts WriteOptions) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	state, remote, local := s.state, s.remoteClosed, s.localClosed || s.closingSend
	s.mu.Unlock()
	switch {
	case state == StateCancelled:
		return s.ctxStatus().Err()
	case remote:
		return io.EOF
	case local:
		return ErrStreamClosed
	}
	if err := sendMessage(s.ctx, s.host, s.id, msg, opts); err != nil {
		if _, ok := status.FromError(err); ok && s.ctx.Err() == nil {
			return err
		}
		return s.errStatus(err).Err()
	}
	return nil
}

// CloseSend half-closes the request direction. It is idempotent.
func (s *ClientStream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.localClosed || s.closingSend || s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	s.closingSend = true
	remote := s.remoteClosed
	s.mu.Unlock()

	if !remote {
		if err := s.host.submit(s.ctx, Frame{StreamID: s.id, Kind: KindHalfClose}, false); err != nil {
			return s.errStatus(err).Err()
		}
	}

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	closed := s.remoteClosed
	if closed {
		s.state = StateClosed
	} else {
		s.state = StateHalfClosedLocal
	}
	s.mu.Unlock()
	if closed {
		s.complete()
	}
	return nil
}

// RecvMsg returns the next response message. io.EOF means the call ended
// with an OK status; any other failure is a status error.
func (s *ClientStream) RecvMsg() ([]byte, error) {
	msg, err := s.inbox.pop(s.ctx.Done())
	if errors.Is(err, errInterrupted) {
		return nil, s.ctxStatus().Err()
	}
	return msg, err
}

// Header blocks until response metadata arrives or the call ends.
func (s *ClientStream) Header() (metadata.MD, error) {
	select {
	case <-s.headerCh:
	case <-s.ctx.Done():
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.header != nil:
		return s.header.Copy(), nil
	case s.remoteClosed:
		return metadata.MD{}, nil
	case s.st != nil && s.state == StateCancelled:
		return nil, s.st.Err()
	case s.cancelSt != nil:
		return nil, s.cancelSt.Err()
	case s.ctx.Err() != nil:
		return nil, contextStatus(s.ctx).Err()
	}
	return metadata.MD{}, nil
}

// Trailer returns the trailer metadata. It is only complete once the call
// has ended.
func (s *ClientStream) Trailer() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer.Copy()
}

// Status returns the final status, or nil while the call is running.
func (s *ClientStream) Status() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Done is closed once the stream has left the registry.
func (s *ClientStream) Done() <-chan struct{} { return s.done }

// Close disposes of the call. A call that has not finished is cancelled
// and the peer told so. Close is idempotent and safe to call concurrently
// with any other method.
func (s *ClientStream) Close() error {
	s.cancel(errCallDisposed)
	return nil
}
