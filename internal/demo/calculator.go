// Package demo holds the Calculator service the binaries serve and the
// typed client the runner drives it with.
package demo

import (
	"context"
	"errors"
	"io"
	"slices"

	"example.com/grpclite/internal/lite"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified service name.
const ServiceName = "lite.demo.Calculator"

// MaxCount bounds the stream length Count agrees to produce.
const MaxCount = 1 << 20

var (
	EchoMethod = lite.Method[int32, int32]{
		Service: ServiceName, Name: "Echo", Type: lite.MethodUnary,
		Request: lite.Int32ValueMarshaller{}, Response: lite.Int32ValueMarshaller{},
	}
	SumMethod = lite.Method[int32, int64]{
		Service: ServiceName, Name: "Sum", Type: lite.MethodClientStreaming,
		Request: lite.Int32ValueMarshaller{}, Response: lite.Int64ValueMarshaller{},
	}
	CountMethod = lite.Method[int32, int32]{
		Service: ServiceName, Name: "Count", Type: lite.MethodServerStreaming,
		Request: lite.Int32ValueMarshaller{}, Response: lite.Int32ValueMarshaller{},
	}
	ChatMethod = lite.Method[[]byte, []byte]{
		Service: ServiceName, Name: "Chat", Type: lite.MethodDuplexStreaming,
		Request: lite.BytesValueMarshaller{}, Response: lite.BytesValueMarshaller{},
	}
	ReverseMethod = lite.Method[[]byte, []byte]{
		Service: ServiceName, Name: "Reverse", Type: lite.MethodUnary,
		Request: lite.BytesValueMarshaller{}, Response: lite.BytesValueMarshaller{},
	}
)

// Calculator implements the service.
type Calculator struct{}

// Echo returns its argument.
func (Calculator) Echo(_ context.Context, v int32) (int32, error) { return v, nil }

// Sum adds up every number the client sends.
func (Calculator) Sum(_ context.Context, in lite.Receiver[int32]) (int64, error) {
	var sum int64
	for {
		v, err := in.Recv()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return 0, err
		}
		sum += int64(v)
	}
}

// Count streams 0..n-1.
func (Calculator) Count(ctx context.Context, n int32, out lite.Sender[int32]) error {
	if n < 0 || n > MaxCount {
		return status.Errorf(codes.InvalidArgument, "count must be within [0, %d], got %d", MaxCount, n)
	}
	for i := int32(0); i < n; i++ {
		if err := out.Send(i); err != nil {
			return err
		}
	}
	return nil
}

// Chat answers every message with the same bytes until the client
// half-closes.
func (Calculator) Chat(_ context.Context, in lite.Receiver[[]byte], out lite.Sender[[]byte]) error {
	for {
		msg, err := in.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Send(msg); err != nil {
			return err
		}
	}
}

// Reverse returns its argument back to front.
func (Calculator) Reverse(_ context.Context, b []byte) ([]byte, error) {
	out := slices.Clone(b)
	slices.Reverse(out)
	return out, nil
}

// Desc describes the service for a lite.ServiceRegistry.
func (c Calculator) Desc() lite.ServiceDesc {
	return lite.ServiceDesc{Name: ServiceName, Methods: []lite.MethodDesc{
		lite.UnaryHandler(EchoMethod, c.Echo),
		lite.ClientStreamingHandler(SumMethod, c.Sum),
		lite.ServerStreamingHandler(CountMethod, c.Count),
		lite.DuplexHandler(ChatMethod, c.Chat),
		lite.UnaryHandler(ReverseMethod, c.Reverse),
	}}
}

// Register adds the Calculator to reg.
func Register(reg *lite.ServiceRegistry) error {
	return reg.Register(Calculator{}.Desc())
}
