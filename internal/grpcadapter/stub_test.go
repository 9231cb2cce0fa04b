package grpcadapter

// Stubs in the shape protoc-gen-go-grpc emits, for a service built from
// the well-known wrapper messages.

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	calcEchoFullMethodName  = "/test.grpc.Calc/Echo"
	calcSumFullMethodName   = "/test.grpc.Calc/Sum"
	calcCountFullMethodName = "/test.grpc.Calc/Count"
	calcChatFullMethodName  = "/test.grpc.Calc/Chat"
)

type calcClient interface {
	Echo(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error)
	Sum(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[wrapperspb.Int32Value, wrapperspb.Int64Value], error)
	Count(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.Int32Value], error)
	Chat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[wrapperspb.StringValue, wrapperspb.StringValue], error)
}

type calcClientImpl struct {
	cc grpc.ClientConnInterface
}

func newCalcClient(cc grpc.ClientConnInterface) calcClient {
	return &calcClientImpl{cc}
}

func (c *calcClientImpl) Echo(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error) {
	out := new(wrapperspb.Int32Value)
	err := c.cc.Invoke(ctx, calcEchoFullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *calcClientImpl) Sum(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[wrapperspb.Int32Value, wrapperspb.Int64Value], error) {
	stream, err := c.cc.NewStream(ctx, &calcServiceDesc.Streams[0], calcSumFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.Int32Value, wrapperspb.Int64Value]{ClientStream: stream}
	return x, nil
}

func (c *calcClientImpl) Count(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.Int32Value], error) {
	stream, err := c.cc.NewStream(ctx, &calcServiceDesc.Streams[1], calcCountFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.Int32Value, wrapperspb.Int32Value]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *calcClientImpl) Chat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[wrapperspb.StringValue, wrapperspb.StringValue], error) {
	stream, err := c.cc.NewStream(ctx, &calcServiceDesc.Streams[2], calcChatFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.StringValue]{ClientStream: stream}
	return x, nil
}

type calcServer interface {
	Echo(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
	Sum(grpc.ClientStreamingServer[wrapperspb.Int32Value, wrapperspb.Int64Value]) error
	Count(*wrapperspb.Int32Value, grpc.ServerStreamingServer[wrapperspb.Int32Value]) error
	Chat(grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error
}

func registerCalcServer(s grpc.ServiceRegistrar, srv calcServer) {
	s.RegisterService(&calcServiceDesc, srv)
}

func _Calc_Echo_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(calcServer).Echo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: calcEchoFullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(calcServer).Echo(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Calc_Sum_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(calcServer).Sum(&grpc.GenericServerStream[wrapperspb.Int32Value, wrapperspb.Int64Value]{ServerStream: stream})
}

func _Calc_Count_Handler(srv any, stream grpc.ServerStream) error {
	m := new(wrapperspb.Int32Value)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(calcServer).Count(m, &grpc.GenericServerStream[wrapperspb.Int32Value, wrapperspb.Int32Value]{ServerStream: stream})
}

func _Calc_Chat_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(calcServer).Chat(&grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream})
}

var calcServiceDesc = grpc.ServiceDesc{
	ServiceName: "test.grpc.Calc",
	HandlerType: (*calcServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Echo",
			Handler:    _Calc_Echo_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sum",
			Handler:       _Calc_Sum_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "Count",
			Handler:       _Calc_Count_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "Chat",
			Handler:       _Calc_Chat_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "calc.proto",
}
