// Package grpcadapter lets protoc-generated gRPC stubs run over a lite
// connection. ClientConn satisfies grpc.ClientConnInterface and Registrar
// satisfies grpc.ServiceRegistrar.
package grpcadapter

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec converts messages to and from bytes. It mirrors the shape of
// grpc's encoding.Codec.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ProtoCodec is the Codec for protobuf messages.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: cannot marshal %T, want proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: cannot unmarshal into %T, want proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (ProtoCodec) Name() string { return "proto" }
