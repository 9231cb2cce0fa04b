package lite

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNeedMoreData is returned by DecodeFrame when the input ends inside a frame.
	ErrNeedMoreData = errors.New("lite: need more data")
	// ErrFrameTooLarge reports a payload beyond the frame length limit.
	ErrFrameTooLarge = errors.New("lite: frame payload too large")
	// ErrMalformedFrame reports a frame header that cannot be decoded.
	ErrMalformedFrame = errors.New("lite: malformed frame")
	// ErrConnectionClosed is returned by operations on a connection that has been torn down.
	ErrConnectionClosed = errors.New("lite: connection closed")
	// ErrStreamIDExhausted is returned when no free stream ID was found.
	ErrStreamIDExhausted = errors.New("lite: stream id exhausted")
	// ErrStreamClosed is returned when sending in a direction that was already half-closed.
	ErrStreamClosed = errors.New("lite: stream closed for sending")
	// ErrKeepaliveTimeout is the teardown cause when a keepalive ping goes unanswered.
	ErrKeepaliveTimeout = errors.New("lite: keepalive ping timed out")
	// ErrMessageTooLarge reports a reassembled message beyond the configured limit.
	ErrMessageTooLarge = errors.New("lite: message too large")
	// errPeerClosed is the teardown cause when the peer sent a Close frame.
	errPeerClosed = errors.New("lite: connection closed by peer")
)

// ProtocolError describes a frame that violated the protocol without
// breaking frame alignment. Such frames are dropped.
type ProtocolError struct {
	StreamID uint16
	Kind     Kind
	Msg      string
	Cause    error
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(streamID uint16, kind Kind, msg string, cause error) *ProtocolError {
	return &ProtocolError{StreamID: streamID, Kind: kind, Msg: msg, Cause: cause}
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error on stream %d (%s): %s: %v", e.StreamID, e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("protocol error on stream %d (%s): %s", e.StreamID, e.Kind, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ConnectionError is a fault that tore a connection down.
type ConnectionError struct {
	Msg   string
	Cause error
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(msg string, cause error) *ConnectionError {
	return &ConnectionError{Msg: msg, Cause: cause}
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Msg, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Msg)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// statusFromError maps err onto the status a call reports.
func statusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ErrStreamIDExhausted), errors.Is(err, ErrMessageTooLarge):
		return status.New(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, errPeerClosed), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, ErrKeepaliveTimeout):
		return status.New(codes.Unavailable, err.Error())
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return status.New(codes.Unavailable, err.Error())
	}
	return status.New(codes.Unknown, err.Error())
}

// contextStatus is the status of a stream whose context ended.
func contextStatus(ctx context.Context) *status.Status {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return status.New(codes.DeadlineExceeded, "context deadline exceeded")
	}
	if st, ok := status.FromError(cause); ok && st.Code() != codes.Unknown {
		return st
	}
	return status.New(codes.Canceled, "context canceled")
}
