package lite

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Marshaller converts between a typed message and its wire bytes. The
// core moves opaque bytes; marshallers live at the typed edge only.
type Marshaller[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(b []byte) (T, error)
}

// Method describes one method with typed request and response.
type Method[Req, Resp any] struct {
	Service  string
	Name     string
	Type     MethodType
	Request  Marshaller[Req]
	Response Marshaller[Resp]
}

// FullName returns "/service/method".
func (m Method[Req, Resp]) FullName() string {
	return FullMethodName(m.Service, m.Name)
}

// BytesMarshaller passes raw bytes through unchanged.
type BytesMarshaller struct{}

func (BytesMarshaller) Marshal(v []byte) ([]byte, error) { return v, nil }

func (BytesMarshaller) Unmarshal(b []byte) ([]byte, error) { return b, nil }

// BytesValueMarshaller carries raw bytes as a google.protobuf.BytesValue,
// using the single-field fast path where it applies.
type BytesValueMarshaller struct{}

func (BytesValueMarshaller) Marshal(v []byte) ([]byte, error) {
	if len(v) > MaxBytesValueFastLength {
		return proto.Marshal(wrapperspb.Bytes(v))
	}
	return AppendBytesValue(make([]byte, 0, len(v)+4), v)
}

func (BytesValueMarshaller) Unmarshal(b []byte) ([]byte, error) { return ParseBytesValue(b) }

// ProtoMarshaller marshals protobuf messages. New returns an empty message
// to decode into.
type ProtoMarshaller[T proto.Message] struct {
	New func() T
}

func (ProtoMarshaller[T]) Marshal(v T) ([]byte, error) { return proto.Marshal(v) }

func (p ProtoMarshaller[T]) Unmarshal(b []byte) (T, error) {
	v := p.New()
	if err := proto.Unmarshal(b, v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Int32ValueMarshaller carries an int32 as a google.protobuf.Int32Value.
type Int32ValueMarshaller struct{}

func (Int32ValueMarshaller) Marshal(v int32) ([]byte, error) { return proto.Marshal(wrapperspb.Int32(v)) }

func (Int32ValueMarshaller) Unmarshal(b []byte) (int32, error) {
	var w wrapperspb.Int32Value
	if err := proto.Unmarshal(b, &w); err != nil {
		return 0, err
	}
	return w.GetValue(), nil
}

// Int64ValueMarshaller carries an int64 as a google.protobuf.Int64Value.
type Int64ValueMarshaller struct{}

func (Int64ValueMarshaller) Marshal(v int64) ([]byte, error) { return proto.Marshal(wrapperspb.Int64(v)) }

func (Int64ValueMarshaller) Unmarshal(b []byte) (int64, error) {
	var w wrapperspb.Int64Value
	if err := proto.Unmarshal(b, &w); err != nil {
		return 0, err
	}
	return w.GetValue(), nil
}
