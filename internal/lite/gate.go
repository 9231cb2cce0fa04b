package lite

import (
	"context"

	"example.com/grpclite/internal/metrics"
)

// writeRequest is one entry of the writer's queue: a frame plus write flags.
type writeRequest struct {
	frame Frame
	// bufferHint lets the writer skip the transport flush after this frame.
	bufferHint bool
	// done, when non-nil, receives the write result. It must have capacity 1.
	done chan error
}

// gate sits between frame producers and the connection's single writer
// (outbound) and between the read loop and frame routing (inbound).
type gate interface {
	// send admits one outbound request. It returns once the request was
	// admitted, or once it was written when req.done is set.
	send(ctx context.Context, req *writeRequest) error
	// writes is the queue drained by the write loop.
	writes() <-chan *writeRequest
	// receive admits one inbound frame for routing.
	receive(f Frame) error
	// reads is the inbound queue, or nil when frames are routed inline.
	reads() <-chan Frame
	// drained records that the write loop took a request off the queue.
	drained()
	// routed records that a frame was taken off the inbound queue.
	routed()
	// depth reports admitted-but-not-drained frames per direction.
	depth() (in, out int)
}

// newGate picks the gate variant: an input capacity of zero selects the
// synchronous gate, anything else the buffered one.
func newGate(input, output int, route func(Frame), closed <-chan struct{}, m *metrics.Metrics) gate {
	if output < 0 {
		output = 0
	}
	if input <= 0 {
		return &syncGate{
			out:    make(chan *writeRequest, output),
			route:  route,
			closed: closed,
		}
	}
	return &bufferedGate{
		out:     make(chan *writeRequest, output),
		in:      make(chan Frame, input),
		closed:  closed,
		metrics: m,
	}
}

// syncGate hands each frame to the writer and waits for it to be written,
// so backpressure reaches the producer immediately. With an output
// capacity of zero the handoff is direct; a positive capacity lets
// concurrent producers queue behind each other so the writer can coalesce
// flushes, but every producer still waits for its own frame.
// Inbound frames are routed on the read loop itself.
type syncGate struct {
	out    chan *writeRequest
	route  func(Frame)
	closed <-chan struct{}
}

func (g *syncGate) send(ctx context.Context, req *writeRequest) error {
	if req.done == nil {
		req.done = make(chan error, 1)
	}
	select {
	case g.out <- req:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-g.closed:
		return ErrConnectionClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-g.closed:
		return ErrConnectionClosed
	}
}

func (g *syncGate) writes() <-chan *writeRequest { return g.out }

func (g *syncGate) receive(f Frame) error {
	select {
	case <-g.closed:
		return ErrConnectionClosed
	default:
	}
	g.route(f)
	return nil
}

func (g *syncGate) reads() <-chan Frame { return nil }

func (g *syncGate) drained() {}

func (g *syncGate) routed() {}

func (g *syncGate) depth() (int, int) { return 0, len(g.out) }

// bufferedGate queues up to cap(out) outbound requests and cap(in) inbound
// frames. Producers return as soon as their frame is queued; a full queue
// suspends the producer (or the read loop) until the consumer drains one.
type bufferedGate struct {
	out     chan *writeRequest
	in      chan Frame
	closed  <-chan struct{}
	metrics *metrics.Metrics
}

func (g *bufferedGate) send(ctx context.Context, req *writeRequest) error {
	select {
	case g.out <- req:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-g.closed:
		return ErrConnectionClosed
	}
	g.metrics.GateDepth.WithLabelValues("out").Inc()
	if req.done == nil {
		return nil
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-g.closed:
		return ErrConnectionClosed
	}
}

func (g *bufferedGate) writes() <-chan *writeRequest { return g.out }

func (g *bufferedGate) receive(f Frame) error {
	select {
	case <-g.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case g.in <- f:
		g.metrics.GateDepth.WithLabelValues("in").Inc()
		return nil
	case <-g.closed:
		return ErrConnectionClosed
	}
}

func (g *bufferedGate) reads() <-chan Frame { return g.in }

func (g *bufferedGate) drained() { g.metrics.GateDepth.WithLabelValues("out").Dec() }

func (g *bufferedGate) routed() { g.metrics.GateDepth.WithLabelValues("in").Dec() }

func (g *bufferedGate) depth() (int, int) { return len(g.in), len(g.out) }
