package lite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"example.com/grpclite/internal/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerStream is what a handler sees of one accepted call.
type ServerStream interface {
	// Context carries the incoming metadata and the caller's deadline. It is
	// cancelled when the call is cancelled or the connection goes away.
	Context() context.Context
	// Method returns the full method name, "/service/method".
	Method() string
	// RecvMsg returns the next request message, or io.EOF once the client
	// half-closed.
	RecvMsg() ([]byte, error)
	SendMsg(msg []byte) error
	SendMsgWithOptions(msg []byte, opts WriteOptions) error
	// SetHeader merges md into the response header, which is sent with the
	// first message, by SendHeader, or folded into the trailers.
	SetHeader(md metadata.MD) error
	// SendHeader sends the response header now. It may be called once.
	SendHeader(md metadata.MD) error
	// SetTrailer merges md into the trailers sent when the handler returns.
	SetTrailer(md metadata.MD)
}

type serverStreamKey struct{}

// ServerStreamFromContext returns the stream a handler context belongs to.
func ServerStreamFromContext(ctx context.Context) (ServerStream, bool) {
	s, ok := ctx.Value(serverStreamKey{}).(ServerStream)
	return s, ok
}

var errHeaderSent = errors.New("lite: response header already sent")

type serverStream struct {
	host    streamHost
	method  string
	id      uint16
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu           sync.Mutex
	state        StreamState
	remoteClosed bool
	headerSent   bool
	header       metadata.MD
	trailer      metadata.MD
	st           *status.Status

	sendMu    sync.Mutex
	inbox     *messageQueue
	asm       assembler
	finalOnce sync.Once
	done      chan struct{}
}

// newServerStream builds the stream for an accepted Open. parent is the
// connection context; timeout, when positive, bounds the handler.
func newServerStream(parent context.Context, host streamHost, method string, md metadata.MD, timeout time.Duration) *serverStream {
	lim := host.limits()
	s := &serverStream{
		host:    host,
		method:  method,
		started: time.Now(),
		state:   StateActive,
		inbox:   newMessageQueue(lim.streamBuffer),
		asm:     assembler{max: lim.maxMessage},
		done:    make(chan struct{}),
	}
	ctx := metadata.NewIncomingContext(parent, md)
	ctx = context.WithValue(ctx, serverStreamKey{}, ServerStream(s))
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	if timeout > 0 {
		var stop context.CancelFunc
		s.ctx, stop = context.WithTimeout(s.ctx, timeout)
		context.AfterFunc(s.ctx, stop)
	}
	return s
}

func (s *serverStream) streamID() uint16 { return s.id }

func (s *serverStream) bindID(id uint16) { s.id = id }

func (s *serverStream) Context() context.Context { return s.ctx }

func (s *serverStream) Method() string { return s.method }

// run invokes h, or reports reject without invoking anything, and then
// sends the trailers. release frees the concurrency slot before the
// trailers go out, so a client that saw them may open the next call.
func (s *serverStream) run(h StreamHandler, reject *status.Status, release func()) {
	if reject != nil {
		s.finish(reject)
		return
	}
	err := s.invoke(h)
	if release != nil {
		release()
	}
	s.finish(statusFromError(err))
}

func (s *serverStream) invoke(h StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.host.logger().Error("Panic in stream handler", logger.LogFields{
				"method":    s.method,
				"stream_id": s.id,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			err = status.Errorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return h(s)
}

// finish sends the trailers carrying st and closes the stream. A stream
// that was cancelled meanwhile sends nothing.
func (s *serverStream) finish(st *status.Status) {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	trailer := s.trailer
	if !s.headerSent && len(s.header) > 0 {
		// Trailers-only response: fold the header into the trailers.
		trailer = metadata.Join(s.header, s.trailer)
	}
	s.headerSent = true
	s.mu.Unlock()

	payload, err := encodeTrailers(st, trailer)
	if err != nil {
		s.host.logger().Error("Failed to encode trailers", logger.LogFields{
			"method":    s.method,
			"stream_id": s.id,
			"error":     err.Error(),
		})
		st = status.Newf(codes.Internal, "encoding trailers: %v", err)
		payload, _ = encodeTrailers(st, nil)
	}
	// Frames for this ID that arrive from here on belong to the peer's
	// next call. The trailers go out even past the stream's deadline.
	settle := s.host.retire(s)
	s.inbox.finish(ErrStreamClosed)
	sendErr := s.host.submit(context.Background(), Frame{StreamID: s.id, Kind: KindHalfClose, Payload: payload}, false)
	settle()

	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateClosed
		s.st = st
	}
	s.mu.Unlock()
	s.finalize()
	s.sendMu.Unlock()

	if sendErr != nil {
		s.host.logger().Debug("Trailers not delivered", logger.LogFields{
			"method":    s.method,
			"stream_id": s.id,
			"error":     sendErr.Error(),
		})
	}
	s.cancel(errStreamFinished)
}

func (s *serverStream) finalize() {
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
			Role:     RoleServer.String(),
			Code:     st.Code().String(),
			Message:  st.Message(),
			Duration: time.Since(s.started),
		})
	})
}

// cancelWith moves the stream to Cancelled and unregisters it at once, so
// an Open reusing the ID right behind the Cancel reaches a new stream. The
// handler observes the cancellation through its context and RecvMsg.
func (s *serverStream) cancelWith(st *status.Status) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.st = st
	s.mu.Unlock()
	s.host.release(s)
	s.inbox.finish(st.Err())
	s.cancel(st.Err())
	s.host.metrics().StreamsCancelled.WithLabelValues(RoleServer.String()).Inc()
	go func() {
		s.sendMu.Lock()
		s.finalize()
		s.sendMu.Unlock()
	}()
}

func (s *serverStream) handleFrame(f Frame) {
	switch f.Kind {
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
			s.failRequest(status.New(code, err.Error()))
			return
		}
		if ok {
			s.inbox.push(msg)
		}

	case KindHalfClose:
		s.mu.Lock()
		if s.remoteClosed || s.state.terminal() {
			s.mu.Unlock()
			return
		}
		s.remoteClosed = true
		if s.state == StateActive {
			s.state = StateHalfClosedRemote
		}
		s.mu.Unlock()
		s.inbox.finish(io.EOF)

	case KindCancel:
		s.cancelWith(status.New(codes.Canceled, "stream cancelled by client"))

	default:
		s.host.logger().Debug("Dropping unexpected frame on server stream", logger.LogFields{
			"stream_id": f.StreamID,
			"kind":      f.Kind.String(),
		})
	}
}

// failRequest ends the call early because a request could not be
// accepted. The client gets st in the trailers.
func (s *serverStream) failRequest(st *status.Status) {
	s.inbox.finish(st.Err())
	go s.finish(st)
	s.cancel(st.Err())
}

func (s *serverStream) abort(st *status.Status) {
	s.cancelWith(st)
}

func (s *serverStream) ctxStatus() *status.Status {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	if st != nil && st.Code() != codes.OK {
		return st
	}
	return contextStatus(s.ctx)
}

func (s *serverStream) RecvMsg() ([]byte, error) {
	msg, err := s.inbox.pop(s.ctx.Done())
	if errors.Is(err, errInterrupted) {
		return nil, s.ctxStatus().Err()
	}
	return msg, err
}

func (s *serverStream) SendMsg(msg []byte) error {
	return s.SendMsgWithOptions(msg, WriteOptions{})
}

func (s *serverStream) SendMsgWithOptions(msg []byte, opts WriteOptions) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return s.ctxStatus().Err()
	}
	var header metadata.MD
	needHeader := !s.headerSent
	if needHeader {
		s.headerSent = true
		header = s.header
	}
	s.mu.Unlock()

	if needHeader {
		if err := s.writeHeader(header, true); err != nil {
			return err
		}
	}
	if err := sendMessage(s.ctx, s.host, s.id, msg, opts); err != nil {
		if s.ctx.Err() != nil {
			return s.ctxStatus().Err()
		}
		if _, ok := status.FromError(err); ok {
			return err
		}
		return statusFromError(err).Err()
	}
	return nil
}

func (s *serverStream) writeHeader(md metadata.MD, bufferHint bool) error {
	payload, err := encodeHeaderBlock(nil, md)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding response header: %v", err)
	}
	if err := s.host.submit(s.ctx, Frame{StreamID: s.id, Kind: KindHeader, Payload: payload}, bufferHint); err != nil {
		if s.ctx.Err() != nil {
			return s.ctxStatus().Err()
		}
		return statusFromError(err).Err()
	}
	return nil
}

func (s *serverStream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent {
		return errHeaderSent
	}
	s.header = metadata.Join(s.header, md)
	return nil
}

func (s *serverStream) SendHeader(md metadata.MD) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.headerSent {
		s.mu.Unlock()
		return errHeaderSent
	}
	if s.state.terminal() {
		s.mu.Unlock()
		return s.ctxStatus().Err()
	}
	s.headerSent = true
	header := metadata.Join(s.header, md)
	s.header = header
	s.mu.Unlock()
	return s.writeHeader(header, false)
}

func (s *serverStream) SetTrailer(md metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailer = metadata.Join(s.trailer, md)
}
