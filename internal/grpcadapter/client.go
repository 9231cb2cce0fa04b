package grpcadapter

import (
	"context"
	"errors"
	"io"
	"sync"

	"example.com/grpclite/internal/lite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClientConn runs generated client stubs over a lite.Invoker.
type ClientConn struct {
	inv   *lite.Invoker
	codec Codec
}

var _ grpc.ClientConnInterface = (*ClientConn)(nil)

// NewClientConn wraps inv. A nil codec selects ProtoCodec.
func NewClientConn(inv *lite.Invoker, codec Codec) *ClientConn {
	if codec == nil {
		codec = ProtoCodec{}
	}
	return &ClientConn{inv: inv, codec: codec}
}

// Close closes the underlying connection.
func (cc *ClientConn) Close() error { return cc.inv.Close() }

// Invoke performs a unary call. grpc.Header and grpc.Trailer call options
// are honoured; other call options are ignored.
func (cc *ClientConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	cs, err := cc.newStream(ctx, &grpc.StreamDesc{}, method, opts)
	if err != nil {
		return err
	}
	defer cs.stream.Close()
	if err := cs.sendMsg(args, lite.WriteOptions{BufferHint: true}); err != nil {
		// The server may have ended the call already; its status wins.
		if errors.Is(err, io.EOF) {
			return cs.RecvMsg(reply)
		}
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	return cs.RecvMsg(reply)
}

// NewStream opens a streaming call described by desc.
func (cc *ClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.newStream(ctx, desc, method, opts)
}

func (cc *ClientConn) newStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts []grpc.CallOption) (*clientStream, error) {
	s, err := cc.inv.NewStream(ctx, method)
	if err != nil {
		return nil, err
	}
	cs := &clientStream{stream: s, desc: desc, codec: cc.codec}
	for _, o := range opts {
		switch o := o.(type) {
		case grpc.HeaderCallOption:
			cs.headerAddr = o.HeaderAddr
		case grpc.TrailerCallOption:
			cs.trailerAddr = o.TrailerAddr
		}
	}
	return cs, nil
}

type clientStream struct {
	stream *lite.ClientStream
	desc   *grpc.StreamDesc
	codec  Codec

	headerAddr  *metadata.MD
	trailerAddr *metadata.MD
	finishOnce  sync.Once
}

var _ grpc.ClientStream = (*clientStream)(nil)

func (cs *clientStream) Header() (metadata.MD, error) { return cs.stream.Header() }

func (cs *clientStream) Trailer() metadata.MD { return cs.stream.Trailer() }

func (cs *clientStream) CloseSend() error { return cs.stream.CloseSend() }

func (cs *clientStream) Context() context.Context { return cs.stream.Context() }

func (cs *clientStream) SendMsg(m any) error {
	return cs.sendMsg(m, lite.WriteOptions{})
}

func (cs *clientStream) sendMsg(m any, opts lite.WriteOptions) error {
	b, err := cs.codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding request: %v", err)
	}
	return cs.stream.SendMsgWithOptions(b, opts)
}

// RecvMsg reads the next response into m. For calls without server
// streaming it also checks that the response was the only one.
func (cs *clientStream) RecvMsg(m any) error {
	b, err := cs.stream.RecvMsg()
	if err != nil {
		cs.finish()
		if errors.Is(err, io.EOF) && !cs.desc.ServerStreams {
			return status.Error(codes.Internal, "call ended without a response")
		}
		return err
	}
	if err := cs.codec.Unmarshal(b, m); err != nil {
		cs.stream.Close()
		cs.finish()
		return status.Errorf(codes.Internal, "decoding response: %v", err)
	}
	if cs.desc.ServerStreams {
		return nil
	}
	_, err = cs.stream.RecvMsg()
	cs.finish()
	if err == nil {
		cs.stream.Close()
		return status.Error(codes.Internal, "more than one response for a single-response call")
	}
	if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// finish copies header and trailer into the call option targets once the
// call is over.
func (cs *clientStream) finish() {
	cs.finishOnce.Do(func() {
		if cs.headerAddr != nil {
			*cs.headerAddr, _ = cs.stream.Header()
		}
		if cs.trailerAddr != nil {
			*cs.trailerAddr = cs.stream.Trailer()
		}
	})
}
