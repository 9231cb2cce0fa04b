package grpcadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	"example.com/grpclite/internal/lite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Registrar adds generated gRPC service descriptions to a
// lite.ServiceRegistry.
type Registrar struct {
	reg         *lite.ServiceRegistry
	codec       Codec
	interceptor grpc.UnaryServerInterceptor
}

var _ grpc.ServiceRegistrar = (*Registrar)(nil)

// RegistrarOption adjusts a Registrar.
type RegistrarOption func(*Registrar)

// WithCodec replaces ProtoCodec.
func WithCodec(c Codec) RegistrarOption {
	return func(r *Registrar) { r.codec = c }
}

// WithUnaryInterceptor wraps every unary method registered afterwards.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) RegistrarOption {
	return func(r *Registrar) { r.interceptor = i }
}

// NewRegistrar returns a Registrar feeding reg.
func NewRegistrar(reg *lite.ServiceRegistry, opts ...RegistrarOption) *Registrar {
	r := &Registrar{reg: reg, codec: ProtoCodec{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterService implements grpc.ServiceRegistrar. Like grpc.Server it
// treats a bad registration as a programming error and panics; use
// Register to get the error instead.
func (r *Registrar) RegisterService(sd *grpc.ServiceDesc, impl any) {
	if err := r.Register(sd, impl); err != nil {
		panic(err)
	}
}

// Register converts sd into a lite.ServiceDesc served by impl.
func (r *Registrar) Register(sd *grpc.ServiceDesc, impl any) error {
	if impl != nil && sd.HandlerType != nil {
		ht := reflect.TypeOf(sd.HandlerType).Elem()
		if st := reflect.TypeOf(impl); !st.Implements(ht) {
			return fmt.Errorf("grpcadapter: %v does not implement %v for service %s", st, ht, sd.ServiceName)
		}
	}

	desc := lite.ServiceDesc{Name: sd.ServiceName}
	for _, m := range sd.Methods {
		desc.Methods = append(desc.Methods, lite.MethodDesc{
			Name:    m.MethodName,
			Type:    lite.MethodUnary,
			Handler: r.unaryHandler(m.Handler, impl),
		})
	}
	for _, st := range sd.Streams {
		desc.Methods = append(desc.Methods, lite.MethodDesc{
			Name:    st.StreamName,
			Type:    methodType(st),
			Handler: r.streamHandler(st.Handler, impl),
		})
	}
	return r.reg.Register(desc)
}

func methodType(sd grpc.StreamDesc) lite.MethodType {
	switch {
	case sd.ClientStreams && sd.ServerStreams:
		return lite.MethodDuplexStreaming
	case sd.ClientStreams:
		return lite.MethodClientStreaming
	case sd.ServerStreams:
		return lite.MethodServerStreaming
	}
	return lite.MethodUnary
}

func (r *Registrar) unaryHandler(h grpc.MethodHandler, impl any) lite.StreamHandler {
	return func(s lite.ServerStream) error {
		ctx := grpc.NewContextWithServerTransportStream(s.Context(), transportStream{s})
		dec := func(v any) error {
			b, err := s.RecvMsg()
			if errors.Is(err, io.EOF) {
				return status.Error(codes.InvalidArgument, "missing request message")
			}
			if err != nil {
				return err
			}
			if err := r.codec.Unmarshal(b, v); err != nil {
				return status.Errorf(codes.Internal, "decoding request: %v", err)
			}
			return nil
		}
		resp, err := h(impl, ctx, dec, r.interceptor)
		if err != nil {
			return err
		}
		b, err := r.codec.Marshal(resp)
		if err != nil {
			return status.Errorf(codes.Internal, "encoding response: %v", err)
		}
		return s.SendMsg(b)
	}
}

func (r *Registrar) streamHandler(h grpc.StreamHandler, impl any) lite.StreamHandler {
	return func(s lite.ServerStream) error {
		ss := &serverStream{
			s:     s,
			codec: r.codec,
			ctx:   grpc.NewContextWithServerTransportStream(s.Context(), transportStream{s}),
		}
		return h(impl, ss)
	}
}

// serverStream is the grpc.ServerStream a generated stream handler sees.
type serverStream struct {
	s     lite.ServerStream
	codec Codec
	ctx   context.Context
}

var _ grpc.ServerStream = (*serverStream)(nil)

func (ss *serverStream) SetHeader(md metadata.MD) error { return ss.s.SetHeader(md) }

func (ss *serverStream) SendHeader(md metadata.MD) error { return ss.s.SendHeader(md) }

func (ss *serverStream) SetTrailer(md metadata.MD) { ss.s.SetTrailer(md) }

func (ss *serverStream) Context() context.Context { return ss.ctx }

func (ss *serverStream) SendMsg(m any) error {
	b, err := ss.codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return ss.s.SendMsg(b)
}

// RecvMsg returns io.EOF once the client half-closed, as generated code
// expects.
func (ss *serverStream) RecvMsg(m any) error {
	b, err := ss.s.RecvMsg()
	if err != nil {
		return err
	}
	if err := ss.codec.Unmarshal(b, m); err != nil {
		return status.Errorf(codes.Internal, "decoding request: %v", err)
	}
	return nil
}

// transportStream backs grpc.SetHeader, grpc.SendHeader and grpc.SetTrailer
// inside handlers.
type transportStream struct {
	s lite.ServerStream
}

var _ grpc.ServerTransportStream = transportStream{}

func (t transportStream) Method() string { return t.s.Method() }

func (t transportStream) SetHeader(md metadata.MD) error { return t.s.SetHeader(md) }

func (t transportStream) SendHeader(md metadata.MD) error { return t.s.SendHeader(md) }

func (t transportStream) SetTrailer(md metadata.MD) error {
	t.s.SetTrailer(md)
	return nil
}
