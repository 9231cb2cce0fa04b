package lite

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	md metadata.MD
}

// WithMetadata adds md to the request metadata, on top of any outgoing
// metadata already attached to the call context.
func WithMetadata(md metadata.MD) CallOption {
	return func(o *callOptions) { o.md = metadata.Join(o.md, md) }
}

// Invoker opens calls on one connection.
type Invoker struct {
	conn    *Connection
	onClose func() error
}

// NewInvoker returns an Invoker for conn.
func NewInvoker(conn *Connection) *Invoker {
	return &Invoker{conn: conn}
}

// Connection returns the underlying connection.
func (inv *Invoker) Connection() *Connection { return inv.conn }

// StreamCount returns the number of live streams on the connection.
func (inv *Invoker) StreamCount() int { return inv.conn.StreamCount() }

// Close closes the connection, ending every outstanding call.
func (inv *Invoker) Close() error {
	err := inv.conn.Close()
	if inv.onClose != nil {
		err = multierr.Append(err, inv.onClose())
	}
	return err
}

// NewStream opens a raw call to fullMethod. The stream is registered and
// its Open frame submitted when NewStream returns.
func (inv *Invoker) NewStream(ctx context.Context, fullMethod string, opts ...CallOption) (*ClientStream, error) {
	return inv.newStream(ctx, fullMethod, false, opts)
}

func (inv *Invoker) newStream(ctx context.Context, fullMethod string, bufferHint bool, opts []CallOption) (*ClientStream, error) {
	var co callOptions
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		co.md = md.Copy()
	}
	for _, o := range opts {
		o(&co)
	}
	s := newClientStream(ctx, inv.conn, fullMethod)
	if err := s.open(co.md, bufferHint); err != nil {
		return nil, err
	}
	return s, nil
}

// ClientCall is a typed handle on one call.
type ClientCall[Req, Resp any] struct {
	stream *ClientStream
	method Method[Req, Resp]
}

// Stream returns the untyped stream behind the call.
func (c *ClientCall[Req, Resp]) Stream() *ClientStream { return c.stream }

// Header blocks until the response header arrives.
func (c *ClientCall[Req, Resp]) Header() (metadata.MD, error) { return c.stream.Header() }

// Send sends one request message.
func (c *ClientCall[Req, Resp]) Send(req Req) error {
	return c.SendWithOptions(req, WriteOptions{})
}

// SendWithOptions sends one request message with write options.
func (c *ClientCall[Req, Resp]) SendWithOptions(req Req, opts WriteOptions) error {
	b, err := c.method.Request.Marshal(req)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding request: %v", err)
	}
	return c.stream.SendMsgWithOptions(b, opts)
}

// CloseSend signals that no more requests follow.
func (c *ClientCall[Req, Resp]) CloseSend() error { return c.stream.CloseSend() }

// Recv returns the next response. io.EOF marks a successful end.
func (c *ClientCall[Req, Resp]) Recv() (Resp, error) {
	var zero Resp
	b, err := c.stream.RecvMsg()
	if err != nil {
		return zero, err
	}
	v, err := c.method.Response.Unmarshal(b)
	if err != nil {
		c.stream.fail(status.Newf(codes.Internal, "decoding response: %v", err), true)
		return zero, status.Errorf(codes.Internal, "decoding response: %v", err)
	}
	return v, nil
}

// Response waits for the single response of a unary or client-streaming
// call and checks that the call then ends.
func (c *ClientCall[Req, Resp]) Response() (Resp, error) {
	var zero Resp
	resp, err := c.Recv()
	if errors.Is(err, io.EOF) {
		return zero, status.Error(codes.Internal, "call ended without a response")
	}
	if err != nil {
		return zero, err
	}
	if _, err := c.stream.RecvMsg(); err == nil {
		c.stream.fail(status.New(codes.Internal, "more than one response"), true)
		return zero, status.Error(codes.Internal, "more than one response for a single-response call")
	} else if !errors.Is(err, io.EOF) {
		return zero, err
	}
	return resp, nil
}

// CloseAndRecv half-closes a client-streaming call and waits for its
// response.
func (c *ClientCall[Req, Resp]) CloseAndRecv() (Resp, error) {
	if err := c.CloseSend(); err != nil {
		var zero Resp
		return zero, err
	}
	return c.Response()
}

// Status returns the final status, or nil while the call runs.
func (c *ClientCall[Req, Resp]) Status() *status.Status { return c.stream.Status() }

// Trailer returns the trailer metadata.
func (c *ClientCall[Req, Resp]) Trailer() metadata.MD { return c.stream.Trailer() }

// Done is closed once the call has ended and left the registry.
func (c *ClientCall[Req, Resp]) Done() <-chan struct{} { return c.stream.Done() }

// Close disposes of the call, cancelling it if it is still running.
func (c *ClientCall[Req, Resp]) Close() error { return c.stream.Close() }

func start[Req, Resp any](ctx context.Context, inv *Invoker, m Method[Req, Resp], want MethodType, bufferHint bool, opts []CallOption) (*ClientCall[Req, Resp], error) {
	if m.Type != want {
		return nil, status.Errorf(codes.InvalidArgument, "%s is a %s method, not %s", m.FullName(), m.Type, want)
	}
	if m.Request == nil || m.Response == nil {
		return nil, fmt.Errorf("lite: method %s has no marshallers", m.FullName())
	}
	s, err := inv.newStream(ctx, m.FullName(), bufferHint, opts)
	if err != nil {
		return nil, err
	}
	return &ClientCall[Req, Resp]{stream: s, method: m}, nil
}

// sendOnly sends req and half-closes. The request rides in the same flush
// as the Open frame.
func (c *ClientCall[Req, Resp]) sendOnly(req Req) error {
	if err := c.SendWithOptions(req, WriteOptions{BufferHint: true}); err != nil {
		return err
	}
	return c.CloseSend()
}

// StartUnary opens a unary call and sends its request. Use Response for
// the result and Close when done.
func StartUnary[Req, Resp any](ctx context.Context, inv *Invoker, m Method[Req, Resp], req Req, opts ...CallOption) (*ClientCall[Req, Resp], error) {
	call, err := start(ctx, inv, m, MethodUnary, true, opts)
	if err != nil {
		return nil, err
	}
	if err := call.sendOnly(req); err != nil {
		_ = call.Close()
		return nil, err
	}
	return call, nil
}

// Unary performs a complete unary call.
func Unary[Req, Resp any](ctx context.Context, inv *Invoker, m Method[Req, Resp], req Req, opts ...CallOption) (Resp, error) {
	call, err := StartUnary(ctx, inv, m, req, opts...)
	if err != nil {
		var zero Resp
		return zero, err
	}
	defer call.Close()
	return call.Response()
}

// ClientStreaming opens a client-streaming call. Send requests, then
// CloseAndRecv.
func ClientStreaming[Req, Resp any](ctx context.Context, inv *Invoker, m Method[Req, Resp], opts ...CallOption) (*ClientCall[Req, Resp], error) {
	return start(ctx, inv, m, MethodClientStreaming, false, opts)
}

// ServerStreaming opens a server-streaming call with its single request.
// Recv responses until io.EOF.
func ServerStreaming[Req, Resp any](ctx context.Context, inv *Invoker, m Method[Req, Resp], req Req, opts ...CallOption) (*ClientCall[Req, Resp], error) {
	call, err := start(ctx, inv, m, MethodServerStreaming, true, opts)
	if err != nil {
		return nil, err
	}
	if err := call.sendOnly(req); err != nil {
		_ = call.Close()
		return nil, err
	}
	return call, nil
}

// DuplexStreaming opens a bidirectional call.
func DuplexStreaming[Req, Resp any](ctx context.Context, inv *Invoker, m Method[Req, Resp], opts ...CallOption) (*ClientCall[Req, Resp], error) {
	return start(ctx, inv, m, MethodDuplexStreaming, false, opts)
}
