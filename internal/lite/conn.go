package lite

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Role says which side of the transport a connection is on.
type Role uint8

const (
	// RoleClient connections open calls and reject peer-initiated ones.
	RoleClient Role = iota
	// RoleServer connections accept calls and dispatch them to services.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

const (
	defaultReadBufferSize   = 32 << 10
	defaultWriteBufferSize  = 32 << 10
	defaultMaxMessageSize   = 64 << 20
	defaultKeepaliveTimeout = 20 * time.Second
	defaultStreamBuffer     = 256
	closeFrameTimeout       = time.Second
	hintFlushDelay          = time.Millisecond
	pingNonceLen            = 8
)

// Options configure a Connection. The zero value is usable: a synchronous
// gate, the default ID policy and no keepalive.
type Options struct {
	// InputBuffer is the inbound gate capacity in frames. Zero selects the
	// synchronous gate, which routes frames on the read loop.
	InputBuffer int
	// OutputBuffer is the outbound queue capacity in frames.
	OutputBuffer int
	// MaxStreamBuffer is how many inbound messages one stream holds before
	// routing waits for its reader.
	MaxStreamBuffer int

	MaxIDAttempts      int
	WaitOnIDExhaustion bool

	MaxFramePayload      int
	MaxMessageSize       int
	CompressThreshold    int
	MaxConcurrentStreams int

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// OptionsFromConfig translates a loaded configuration into Options. A nil
// cfg yields the defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	in, out := cfg.GateSizes()
	lim := cfg.Limits()
	o := Options{
		InputBuffer:        in,
		OutputBuffer:       out,
		MaxStreamBuffer:    cfg.StreamBuffer(),
		MaxIDAttempts:      lim.MaxIDAttempts,
		WaitOnIDExhaustion: lim.WaitOnExhaustion,
		MaxFramePayload:    lim.MaxFramePayload,
		MaxMessageSize:     lim.MaxMessageSize,
		CompressThreshold:  lim.CompressThreshold,
		KeepaliveInterval:  lim.KeepaliveInterval,
		KeepaliveTimeout:   lim.KeepaliveTimeout,
	}
	if cfg != nil && cfg.Server != nil && cfg.Server.MaxConcurrentStreams != nil {
		o.MaxConcurrentStreams = *cfg.Server.MaxConcurrentStreams
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.MaxIDAttempts <= 0 {
		o.MaxIDAttempts = DefaultMaxIDAttempts
	}
	if o.MaxStreamBuffer <= 0 {
		o.MaxStreamBuffer = defaultStreamBuffer
	}
	if o.MaxFramePayload <= 0 || o.MaxFramePayload > MaxPayloadLength {
		o.MaxFramePayload = MaxPayloadLength
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.KeepaliveInterval > 0 && o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultWriteBufferSize
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewMetrics(nil)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Transport is the byte stream a connection owns. In and Out may be the
// same object, as with a net.Conn, in which case it is closed once.
type Transport struct {
	In  io.ReadCloser
	Out io.WriteCloser
}

func (t Transport) close() error {
	if sameObject(t.In, t.Out) {
		return t.In.Close()
	}
	var err error
	if t.In != nil {
		err = multierr.Append(err, t.In.Close())
	}
	if t.Out != nil {
		err = multierr.Append(err, t.Out.Close())
	}
	return err
}

func sameObject(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta == tb && ta.Comparable() && a == b
}

// Connection multiplexes calls over one transport. It owns the transport
// and every stream registered on it.
type Connection struct {
	id       string
	role     Role
	opts     Options
	tr       Transport
	services *ServiceRegistry
	lg       *logger.Logger
	m        *metrics.Metrics

	registry *streamRegistry
	gate     gate
	bw       *bufio.Writer
	// retiring counts streams already out of the registry whose final
	// frame has not been handed to the writer yet.
	retiring atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc

	// closed is closed when teardown starts; done once every loop exited
	// and the transport was released.
	closed       chan struct{}
	done         chan struct{}
	teardownOnce sync.Once
	closing      atomic.Bool
	peerClosing  atomic.Bool
	errMu        sync.Mutex
	err          error

	slots       *semaphore.Weighted
	dropLimiter *rate.Limiter

	pingMu  sync.Mutex
	pings   map[uint64]chan struct{}
	pingSeq atomic.Uint64
	ticker  *clock.Ticker
}

// NewClientConnection starts a client-role connection over rwc.
func NewClientConnection(rwc io.ReadWriteCloser, opts Options) *Connection {
	return NewConnection(Transport{In: rwc, Out: rwc}, RoleClient, nil, opts)
}

// NewServerConnection starts a server-role connection over rwc that
// dispatches accepted calls to services.
func NewServerConnection(rwc io.ReadWriteCloser, services *ServiceRegistry, opts Options) *Connection {
	return NewConnection(Transport{In: rwc, Out: rwc}, RoleServer, services, opts)
}

// NewConnection starts the loops of a connection over t. services may be
// nil for a client-role connection.
func NewConnection(t Transport, role Role, services *ServiceRegistry, opts Options) *Connection {
	opts = opts.withDefaults()
	if services == nil {
		services = NewServiceRegistry()
	}
	c := &Connection{
		id:          uuid.NewString(),
		role:        role,
		opts:        opts,
		tr:          t,
		services:    services,
		m:           opts.Metrics,
		registry:    newStreamRegistry(opts.MaxIDAttempts, opts.WaitOnIDExhaustion),
		bw:          bufio.NewWriterSize(t.Out, opts.WriteBufferSize),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
		pings:       make(map[uint64]chan struct{}),
	}
	c.lg = opts.Logger.With(logger.LogFields{"conn_id": c.id, "role": role.String()})
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	if opts.MaxConcurrentStreams > 0 {
		c.slots = semaphore.NewWeighted(int64(opts.MaxConcurrentStreams))
	}
	c.gate = newGate(opts.InputBuffer, opts.OutputBuffer, c.route, c.closed, c.m)
	if opts.KeepaliveInterval > 0 {
		// Created here so a mock clock sees the ticker before the test
		// advances time.
		c.ticker = opts.Clock.Ticker(opts.KeepaliveInterval)
	}

	c.m.Connections.Inc()
	var g errgroup.Group
	c.goLoop(&g, c.readLoop)
	c.goLoop(&g, c.writeLoop)
	if c.gate.reads() != nil {
		c.goLoop(&g, c.dispatchLoop)
	}
	if c.ticker != nil {
		c.goLoop(&g, c.keepaliveLoop)
	}
	go func() {
		_ = g.Wait()
		c.m.Connections.Dec()
		close(c.done)
	}()
	c.lg.Debug("Connection started", logger.LogFields{
		"input_buffer":  opts.InputBuffer,
		"output_buffer": opts.OutputBuffer,
	})
	return c
}

// goLoop runs loop under g. Whichever loop ends first tears the
// connection down, with its error as the cause.
func (c *Connection) goLoop(g *errgroup.Group, loop func() error) {
	g.Go(func() error {
		err := loop()
		c.teardown(err)
		return err
	})
}

// ID returns the connection's identifier as used in logs.
func (c *Connection) ID() string { return c.id }

// Role returns the connection's role.
func (c *Connection) Role() Role { return c.role }

// StreamCount returns the number of live streams, including those still
// sending their trailers.
func (c *Connection) StreamCount() int {
	return c.registry.count() + int(c.retiring.Load())
}

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Wait blocks until the connection has fully shut down and returns Err.
func (c *Connection) Wait() error {
	<-c.done
	return c.Err()
}

// Err returns the fault that tore the connection down, or nil for an
// orderly close by either side.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close announces shutdown to the peer, tears the connection down and
// waits for its loops to exit. Every open call ends with Unavailable.
// Close is idempotent and safe for concurrent use.
func (c *Connection) Close() error {
	if c.closing.CompareAndSwap(false, true) {
		ctx, cancel := context.WithTimeout(context.Background(), closeFrameTimeout)
		req := &writeRequest{frame: Frame{StreamID: ControlStreamID, Kind: KindClose}, done: make(chan error, 1)}
		if err := c.gate.send(ctx, req); err != nil {
			c.lg.Debug("Close frame not delivered", logger.LogFields{"error": err.Error()})
		}
		cancel()
	}
	c.teardown(nil)
	<-c.done
	return nil
}

// teardown runs once, on the first of: Close, a loop exiting, a peer
// Close frame. It cancels every stream, then releases the transport.
func (c *Connection) teardown(cause error) {
	c.teardownOnce.Do(func() {
		graceful := cause == nil || c.closing.Load() ||
			errors.Is(cause, errPeerClosed) ||
			(c.peerClosing.Load() && errors.Is(cause, io.EOF))
		c.closing.Store(true)

		msg := "connection closed"
		switch {
		case graceful:
			if c.peerClosing.Load() || errors.Is(cause, errPeerClosed) {
				msg = "connection closed by peer"
			}
			c.lg.Debug("Connection closing", logger.LogFields{"reason": msg})
		case errors.Is(cause, io.EOF):
			msg = "transport closed by peer"
			c.setErr(NewConnectionError(msg, cause))
			c.lg.Info("Transport closed by peer", nil)
		default:
			msg = cause.Error()
			c.setErr(cause)
			c.lg.Warn("Connection failed", logger.LogFields{"error": cause.Error()})
		}
		close(c.closed)

		st := status.New(codes.Unavailable, msg)
		for _, s := range c.registry.drain() {
			c.m.ActiveStreams.WithLabelValues(streamRole(s)).Dec()
			s.abort(st)
		}
		c.cancel(NewConnectionError(msg, cause))
		if err := c.tr.close(); err != nil {
			c.lg.Debug("Transport close reported errors", logger.LogFields{"error": err.Error()})
		}
	})
}

func (c *Connection) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// readLoop fills a buffer from the transport and decodes every complete
// frame in it. Payloads are copied out so the buffer can be reused.
func (c *Connection) readLoop() error {
	buf := make([]byte, c.opts.ReadBufferSize)
	start, end := 0, 0
	for {
		n, readErr := c.tr.In.Read(buf[end:])
		if n > 0 {
			end += n
			c.m.BytesRead.Add(float64(n))
		}
		for start < end {
			f, used, err := DecodeFrame(buf[start:end], c.opts.MaxFramePayload)
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				return NewConnectionError("undecodable frame", err)
			}
			start += used
			f.Payload = bytes.Clone(f.Payload)
			c.m.FramesRead.WithLabelValues(f.Kind.String()).Inc()
			if f.Kind == KindClose && f.StreamID == ControlStreamID {
				c.peerClosing.Store(true)
			}
			if err := c.gate.receive(f); err != nil {
				return nil
			}
		}
		if readErr != nil {
			if c.closing.Load() {
				return nil
			}
			return readErr
		}
		switch {
		case start == end:
			start, end = 0, 0
		case end == len(buf) && start > 0:
			end = copy(buf, buf[start:end])
			start = 0
		case end == len(buf):
			grown := make([]byte, 2*len(buf))
			end = copy(grown, buf[start:end])
			start = 0
			buf = grown
		}
	}
}

// writeLoop is the connection's single writer. It flushes the transport
// when nothing else is queued, unless the frame carries a buffer hint.
// Hinted bytes left in the buffer are flushed after hintFlushDelay at the
// latest, so a caller that only waits for a reply is never stalled.
func (c *Connection) writeLoop() error {
	writes := c.gate.writes()
	var (
		flushTimer *clock.Timer
		flushC     <-chan time.Time
	)
	defer func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
	}()
	for {
		select {
		case req := <-writes:
			c.gate.drained()
			n, err := WriteFrame(c.bw, req.frame)
			c.m.BytesWritten.Add(float64(n))
			if err == nil {
				c.m.FramesWritten.WithLabelValues(req.frame.Kind.String()).Inc()
				switch {
				case !req.bufferHint && len(writes) == 0:
					err = c.bw.Flush()
					if flushC != nil {
						flushTimer.Stop()
						flushC = nil
					}
				case c.bw.Buffered() > 0 && flushC == nil:
					if flushTimer == nil {
						flushTimer = c.opts.Clock.Timer(hintFlushDelay)
					} else {
						flushTimer.Reset(hintFlushDelay)
					}
					flushC = flushTimer.C
				}
			}
			if req.done != nil {
				req.done <- err
			}
			if err != nil {
				if c.closing.Load() {
					return nil
				}
				return fmt.Errorf("writing %s: %w", req.frame, err)
			}
		case <-flushC:
			flushC = nil
			if err := c.bw.Flush(); err != nil {
				if c.closing.Load() {
					return nil
				}
				return fmt.Errorf("flushing buffered frames: %w", err)
			}
		case <-c.closed:
			return nil
		}
	}
}

// dispatchLoop routes frames queued by a buffered gate.
func (c *Connection) dispatchLoop() error {
	reads := c.gate.reads()
	for {
		select {
		case f := <-reads:
			c.gate.routed()
			c.route(f)
		case <-c.closed:
			return nil
		}
	}
}

// keepaliveLoop pings the peer every interval and fails the connection
// when an acknowledgement does not arrive within the timeout.
func (c *Connection) keepaliveLoop() error {
	defer c.ticker.Stop()
	for {
		select {
		case <-c.ticker.C:
			timeout := c.opts.Clock.After(c.opts.KeepaliveTimeout)
			nonce, ack, err := c.sendPing(c.ctx)
			if err != nil {
				return nil
			}
			select {
			case <-ack:
				c.forgetPing(nonce)
			case <-timeout:
				c.forgetPing(nonce)
				return ErrKeepaliveTimeout
			case <-c.closed:
				return nil
			}
		case <-c.closed:
			return nil
		}
	}
}

// Ping sends a ping and waits for the acknowledgement, returning the round
// trip time.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	start := c.opts.Clock.Now()
	nonce, ack, err := c.sendPing(ctx)
	if err != nil {
		return 0, err
	}
	defer c.forgetPing(nonce)
	select {
	case <-ack:
		return c.opts.Clock.Since(start), nil
	case <-ctx.Done():
		return 0, context.Cause(ctx)
	case <-c.closed:
		return 0, ErrConnectionClosed
	}
}

func (c *Connection) sendPing(ctx context.Context) (uint64, <-chan struct{}, error) {
	nonce := c.pingSeq.Add(1)
	ack := make(chan struct{})
	c.pingMu.Lock()
	c.pings[nonce] = ack
	c.pingMu.Unlock()
	payload := binary.BigEndian.AppendUint64(nil, nonce)
	if err := c.submit(ctx, Frame{StreamID: ControlStreamID, Kind: KindPing, Payload: payload}, false); err != nil {
		c.forgetPing(nonce)
		return 0, nil, err
	}
	return nonce, ack, nil
}

func (c *Connection) forgetPing(nonce uint64) {
	c.pingMu.Lock()
	delete(c.pings, nonce)
	c.pingMu.Unlock()
}

func (c *Connection) resolvePing(payload []byte) {
	if len(payload) != pingNonceLen {
		c.drop(Frame{StreamID: ControlStreamID, Kind: KindPing, Flags: FlagAck, Payload: payload}, "malformed_ping")
		return
	}
	nonce := binary.BigEndian.Uint64(payload)
	c.pingMu.Lock()
	ack, ok := c.pings[nonce]
	delete(c.pings, nonce)
	c.pingMu.Unlock()
	if ok {
		close(ack)
	}
}

// route delivers one inbound frame. It never blocks on the network:
// anything that must be written in response is handed to a goroutine.
func (c *Connection) route(f Frame) {
	if !f.Kind.valid() {
		c.drop(f, "unknown_kind")
		return
	}
	if f.Kind.control() || f.StreamID == ControlStreamID {
		if !f.Kind.control() || f.StreamID != ControlStreamID {
			c.drop(f, "misaddressed_control")
			return
		}
		c.handleControl(f)
		return
	}
	if s, ok := c.registry.get(f.StreamID); ok {
		s.handleFrame(f)
		return
	}
	if f.Kind == KindOpen {
		c.acceptStream(f)
		return
	}
	if c.registry.recentlyReleased(f.StreamID) {
		c.drop(f, "stale_stream")
		return
	}
	c.drop(f, "unknown_stream")
}

func (c *Connection) handleControl(f Frame) {
	switch f.Kind {
	case KindPing:
		if f.Flags.Has(FlagAck) {
			c.resolvePing(f.Payload)
			return
		}
		reply := Frame{StreamID: ControlStreamID, Kind: KindPing, Flags: FlagAck, Payload: f.Payload}
		go func() {
			_ = c.submit(c.ctx, reply, false)
		}()
	case KindClose:
		c.lg.Debug("Peer announced close", nil)
		c.teardown(errPeerClosed)
	}
}

// drop discards a frame that has no destination. Stale frames for calls
// that just finished are routine; anything else is rate-limited noise.
func (c *Connection) drop(f Frame, reason string) {
	c.m.FramesDropped.WithLabelValues(reason).Inc()
	fields := logger.LogFields{
		"stream_id": f.StreamID,
		"kind":      f.Kind.String(),
		"reason":    reason,
	}
	if reason == "stale_stream" {
		c.lg.Debug("Dropping frame for finished stream", fields)
		return
	}
	if c.dropLimiter.Allow() {
		c.lg.Warn("Dropping frame", fields)
	}
}

// acceptStream handles an Open for an ID with no live stream. Only a
// server-role connection accepts; the stream is registered before the
// handler starts so its frames route even if the handler is slow to read.
func (c *Connection) acceptStream(f Frame) {
	if c.role != RoleServer {
		c.drop(f, "rejected_open")
		id := f.StreamID
		go func() {
			_ = c.submit(c.ctx, Frame{StreamID: id, Kind: KindCancel}, false)
		}()
		return
	}

	hb, hbErr := decodeHeaderBlock(f.Payload)
	method := hb.reserved[headerPath]
	var timeout time.Duration
	var timeoutErr error
	if raw, ok := hb.reserved[headerTimeout]; ok && hbErr == nil {
		timeout, timeoutErr = decodeTimeout(raw)
	}

	s := newServerStream(c.ctx, c, method, hb.md, timeout)
	if !c.registry.add(f.StreamID, s) {
		s.cancel(ErrConnectionClosed)
		c.drop(f, "duplicate_open")
		return
	}
	c.m.StreamsOpened.WithLabelValues(RoleServer.String()).Inc()
	c.m.ActiveStreams.WithLabelValues(RoleServer.String()).Inc()

	var (
		handler StreamHandler
		reject  *status.Status
		release func()
	)
	switch {
	case hbErr != nil:
		reject = status.Newf(codes.Internal, "open: %v", hbErr)
	case timeoutErr != nil:
		reject = status.Newf(codes.Internal, "open: %v", timeoutErr)
	default:
		desc, ok := c.services.Lookup(method)
		switch {
		case !ok:
			reject = status.Newf(codes.Unimplemented, "unknown method %s", method)
		case c.slots != nil && !c.slots.TryAcquire(1):
			reject = status.Newf(codes.ResourceExhausted, "too many concurrent streams (limit %d)", c.opts.MaxConcurrentStreams)
		default:
			handler = desc.Handler
			if c.slots != nil {
				release = func() { c.slots.Release(1) }
			}
		}
	}
	if reject != nil {
		c.lg.Debug("Rejecting call", logger.LogFields{
			"stream_id": f.StreamID,
			"method":    method,
			"code":      reject.Code().String(),
		})
	}
	go s.run(handler, reject, release)
}

// submit queues one frame for the writer.
func (c *Connection) submit(ctx context.Context, f Frame, bufferHint bool) error {
	return c.gate.send(ctx, &writeRequest{frame: f, bufferHint: bufferHint})
}

func (c *Connection) allocate(ctx context.Context, s stream) (uint16, error) {
	id, err := c.registry.allocate(ctx, s)
	if err != nil {
		if errors.Is(err, ErrStreamIDExhausted) {
			c.m.IDAllocFailures.Inc()
			c.lg.Warn("Stream ID allocation failed", logger.LogFields{"error": err.Error()})
		}
		return 0, err
	}
	role := streamRole(s)
	c.m.StreamsOpened.WithLabelValues(role).Inc()
	c.m.ActiveStreams.WithLabelValues(role).Inc()
	return id, nil
}

func (c *Connection) release(s stream) {
	if c.registry.remove(s) {
		c.m.ActiveStreams.WithLabelValues(streamRole(s)).Dec()
	}
}

// retire unregisters s ahead of its final frame, so the peer may reuse the
// ID as soon as that frame arrives. s keeps counting in StreamCount until
// the returned func is called.
func (c *Connection) retire(s stream) func() {
	c.retiring.Add(1)
	c.release(s)
	return func() { c.retiring.Add(-1) }
}

func (c *Connection) limits() streamLimits {
	_, isSync := c.gate.(*syncGate)
	return streamLimits{
		maxFrame:          c.opts.MaxFramePayload,
		maxMessage:        c.opts.MaxMessageSize,
		compressThreshold: c.opts.CompressThreshold,
		streamBuffer:      c.opts.MaxStreamBuffer,
		asyncWrites:       !isSync,
	}
}

func (c *Connection) logger() *logger.Logger { return c.lg }

func (c *Connection) metrics() *metrics.Metrics { return c.m }

func (c *Connection) connID() string { return c.id }
