package lite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MethodType is the call shape of a method.
type MethodType uint8

const (
	MethodUnary MethodType = iota + 1
	MethodClientStreaming
	MethodServerStreaming
	MethodDuplexStreaming
)

func (t MethodType) String() string {
	switch t {
	case MethodUnary:
		return "unary"
	case MethodClientStreaming:
		return "client_streaming"
	case MethodServerStreaming:
		return "server_streaming"
	case MethodDuplexStreaming:
		return "duplex_streaming"
	default:
		return fmt.Sprintf("MethodType(%d)", uint8(t))
	}
}

// StreamHandler serves one accepted call. Returning a status error sends
// that status to the client; any other error is reported as Unknown.
type StreamHandler func(ServerStream) error

// MethodDesc binds a method name to its handler.
type MethodDesc struct {
	Name    string
	Type    MethodType
	Handler StreamHandler
}

// ServiceDesc is a statically declared service: a name and its methods.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

// ServiceRegistry resolves "/service/method" paths to handlers. It is
// built at startup and then shared read-only by every server connection.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]ServiceDesc
	methods  map[string]*MethodDesc
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]ServiceDesc),
		methods:  make(map[string]*MethodDesc),
	}
}

// FullMethodName returns the path a call to service/method travels under.
func FullMethodName(service, method string) string {
	return "/" + service + "/" + method
}

// Register adds desc. Service and method names must be non-empty and
// free of '/', and a service can only be registered once.
func (r *ServiceRegistry) Register(desc ServiceDesc) error {
	if desc.Name == "" || strings.Contains(desc.Name, "/") {
		return fmt.Errorf("invalid service name %q", desc.Name)
	}
	paths := make(map[string]*MethodDesc, len(desc.Methods))
	for i := range desc.Methods {
		m := &desc.Methods[i]
		if m.Name == "" || strings.Contains(m.Name, "/") {
			return fmt.Errorf("service %s: invalid method name %q", desc.Name, m.Name)
		}
		if m.Handler == nil {
			return fmt.Errorf("service %s: method %s has no handler", desc.Name, m.Name)
		}
		path := FullMethodName(desc.Name, m.Name)
		if _, dup := paths[path]; dup {
			return fmt.Errorf("service %s: duplicate method %s", desc.Name, m.Name)
		}
		paths[path] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.services[desc.Name]; dup {
		return fmt.Errorf("service %s already registered", desc.Name)
	}
	r.services[desc.Name] = desc
	for path, m := range paths {
		r.methods[path] = m
	}
	return nil
}

// Lookup returns the method registered under fullMethod.
func (r *ServiceRegistry) Lookup(fullMethod string) (*MethodDesc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[fullMethod]
	return m, ok
}

// Services returns the registered service names in order.
func (r *ServiceRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Receiver yields typed request messages on the server side.
type Receiver[T any] interface {
	// Recv returns io.EOF after the last message.
	Recv() (T, error)
}

// Sender writes typed response messages on the server side.
type Sender[T any] interface {
	Send(T) error
}

type typedReceiver[T any] struct {
	s ServerStream
	m Marshaller[T]
}

func (r typedReceiver[T]) Recv() (T, error) {
	var zero T
	b, err := r.s.RecvMsg()
	if err != nil {
		return zero, err
	}
	v, err := r.m.Unmarshal(b)
	if err != nil {
		return zero, status.Errorf(codes.Internal, "decoding request: %v", err)
	}
	return v, nil
}

type typedSender[T any] struct {
	s ServerStream
	m Marshaller[T]
}

func (w typedSender[T]) Send(v T) error {
	b, err := w.m.Marshal(v)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return w.s.SendMsg(b)
}

// recvOne reads the single request of a unary or server-streaming call.
func recvOne[T any](r Receiver[T]) (T, error) {
	v, err := r.Recv()
	if errors.Is(err, io.EOF) {
		return v, status.Error(codes.InvalidArgument, "missing request message")
	}
	return v, err
}

// UnaryHandler adapts fn to method m.
func UnaryHandler[Req, Resp any](m Method[Req, Resp], fn func(context.Context, Req) (Resp, error)) MethodDesc {
	return MethodDesc{Name: m.Name, Type: MethodUnary, Handler: func(s ServerStream) error {
		req, err := recvOne[Req](typedReceiver[Req]{s, m.Request})
		if err != nil {
			return err
		}
		resp, err := fn(s.Context(), req)
		if err != nil {
			return err
		}
		return typedSender[Resp]{s, m.Response}.Send(resp)
	}}
}

// ClientStreamingHandler adapts fn to method m.
func ClientStreamingHandler[Req, Resp any](m Method[Req, Resp], fn func(context.Context, Receiver[Req]) (Resp, error)) MethodDesc {
	return MethodDesc{Name: m.Name, Type: MethodClientStreaming, Handler: func(s ServerStream) error {
		resp, err := fn(s.Context(), typedReceiver[Req]{s, m.Request})
		if err != nil {
			return err
		}
		return typedSender[Resp]{s, m.Response}.Send(resp)
	}}
}

// ServerStreamingHandler adapts fn to method m.
func ServerStreamingHandler[Req, Resp any](m Method[Req, Resp], fn func(context.Context, Req, Sender[Resp]) error) MethodDesc {
	return MethodDesc{Name: m.Name, Type: MethodServerStreaming, Handler: func(s ServerStream) error {
		req, err := recvOne[Req](typedReceiver[Req]{s, m.Request})
		if err != nil {
			return err
		}
		return fn(s.Context(), req, typedSender[Resp]{s, m.Response})
	}}
}

// DuplexHandler adapts fn to method m.
func DuplexHandler[Req, Resp any](m Method[Req, Resp], fn func(context.Context, Receiver[Req], Sender[Resp]) error) MethodDesc {
	return MethodDesc{Name: m.Name, Type: MethodDuplexStreaming, Handler: func(s ServerStream) error {
		return fn(s.Context(), typedReceiver[Req]{s, m.Request}, typedSender[Resp]{s, m.Response})
	}}
}
