package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"example.com/grpclite/internal/transport"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve and Run once Shutdown has begun.
var ErrServerClosed = errors.New("server: closed")

// drainPoll is how often Shutdown checks whether connections went idle.
const drainPoll = 10 * time.Millisecond

// Server owns the listeners of one process and a lite.Connection per
// accepted transport.
type Server struct {
	cfg      *config.Config
	services *lite.ServiceRegistry
	log      *logger.Logger
	connOpts lite.Options
	tlsCfg   *tls.Config
	inproc   *transport.InProcess

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*lite.Connection]struct{}
	closing   bool

	shutdownOnce sync.Once
	shutdownErr  error
	shutdownChan chan struct{}
	doneChan     chan struct{}
}

// Option adjusts a Server at construction.
type Option func(*Server)

// WithMetrics records every connection's activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.connOpts.Metrics = m }
}

// WithInProcess resolves inproc endpoints against n.
func WithInProcess(n *transport.InProcess) Option {
	return func(s *Server) { s.inproc = n }
}

// WithTLS overrides the TLS configuration derived from cfg.Server.TLS.
func WithTLS(tc *tls.Config) Option {
	return func(s *Server) { s.tlsCfg = tc }
}

// WithConnectionOptions replaces the connection options derived from cfg.
// Logger and metrics set through other means are kept.
func WithConnectionOptions(o lite.Options) Option {
	return func(s *Server) {
		if o.Metrics == nil {
			o.Metrics = s.connOpts.Metrics
		}
		s.connOpts = o
	}
}

// NewServer creates a server for services. cfg must carry a server section.
func NewServer(cfg *config.Config, services *lite.ServiceRegistry, lg *logger.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}
	if services == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	tc, err := transport.ServerTLSConfig(cfg.Server.TLS)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		services:     services,
		log:          lg,
		connOpts:     lite.OptionsFromConfig(cfg),
		tlsCfg:       tc,
		conns:        make(map[*lite.Connection]struct{}),
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.connOpts.Logger = lg
	return s, nil
}

// Listen binds every endpoint in cfg.Server.Listen. On failure the
// endpoints bound so far are released again.
func (s *Server) Listen(ctx context.Context) error {
	var bound []net.Listener
	for _, raw := range s.cfg.Server.Listen {
		ep, err := transport.ParseEndpoint(raw)
		if err != nil {
			closeAll(bound)
			return err
		}
		l, err := transport.Listen(ctx, ep, transport.Options{TLS: s.tlsCfg, InProcess: s.inproc})
		if err != nil {
			closeAll(bound)
			if transport.IsAddrInUse(err) {
				return fmt.Errorf("endpoint %s is already in use: %w", ep, err)
			}
			return err
		}
		s.log.Info("Listening", logger.LogFields{"endpoint": ep.String(), "local_addr": l.Addr().String(), "tls": s.tlsCfg != nil})
		bound = append(bound, l)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		closeAll(bound)
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, bound...)
	return nil
}

func closeAll(ls []net.Listener) {
	for _, l := range ls {
		l.Close()
	}
}

// Addrs returns the local addresses of the bound listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.doneChan }

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	for _, known := range s.listeners {
		if known == l {
			return true
		}
	}
	s.listeners = append(s.listeners, l)
	return true
}

// Serve accepts transports on l until l fails or Shutdown is called. It
// returns ErrServerClosed after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l) {
		l.Close()
		return ErrServerClosed
	}
	var backoff time.Duration
	for {
		rwc, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				return ErrServerClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("Accept error; retrying", logger.LogFields{"error": err.Error(), "retry_in": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		backoff = 0
		s.startConnection(rwc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) startConnection(rwc net.Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		rwc.Close()
		return
	}
	conn := lite.NewServerConnection(rwc, s.services, s.connOpts)
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("Accepted connection", logger.LogFields{
		"conn_id":     conn.ID(),
		"remote_addr": rwc.RemoteAddr().String(),
	})
	go func() {
		err := conn.Wait()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		fields := logger.LogFields{"conn_id": conn.ID()}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.log.Debug("Connection finished", fields)
	}()
}

// Run serves every bound listener, binding the configured endpoints first
// if Listen was not called. It returns when ctx ends, after shutting down
// within the configured grace period, or when Shutdown is called elsewhere.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	needListen := len(s.listeners) == 0
	s.mu.Unlock()
	if needListen {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	ls := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range ls {
		g.Go(func() error {
			err := s.Serve(l)
			if errors.Is(err, ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	// A failed accept loop cancels gctx and takes the rest down with it.
	var shutdownErr error
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdownChan:
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		shutdownErr = s.Shutdown(sctx)
		return nil
	})

	err := g.Wait()
	<-s.doneChan
	return multierr.Append(err, shutdownErr)
}

// Start runs the server until SIGINT or SIGTERM. SIGHUP reopens the log
// files.
func (s *Server) Start() error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					if err := s.log.ReopenLogFiles(); err != nil {
						s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
					} else {
						s.log.Info("Reopened log files", nil)
					}
					continue
				}
				s.log.Info("Received signal; shutting down", logger.LogFields{"signal": sig.String()})
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return s.Run(ctx)
}

// Shutdown stops accepting, waits for open connections to go idle until ctx
// ends, and closes them. It is safe to call more than once; later calls
// wait for the first and return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		ls := s.listeners
		s.listeners = nil
		close(s.shutdownChan)
		s.mu.Unlock()

		s.log.Info("Shutting down", logger.LogFields{"listeners": len(ls)})
		var err error
		for _, l := range ls {
			err = multierr.Append(err, ignoreClosed(l.Close()))
		}
		err = multierr.Append(err, s.drain(ctx))
		s.shutdownErr = err
		close(s.doneChan)
	})
	select {
	case <-s.doneChan:
		return s.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain waits for every connection to have no live streams, then closes
// them all. Connections still busy when ctx ends are closed anyway, which
// fails their calls.
func (s *Server) drain(ctx context.Context) error {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	var waitErr error
wait:
	for !s.idle() {
		select {
		case <-ctx.Done():
			waitErr = fmt.Errorf("graceful shutdown interrupted with %d busy connections: %w", s.ConnectionCount(), ctx.Err())
			break wait
		case <-t.C:
		}
	}

	s.mu.Lock()
	conns := make([]*lite.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	for _, c := range conns {
		<-c.Done()
	}
	s.mu.Lock()
	for _, c := range conns {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	return multierr.Append(waitErr, err)
}

func (s *Server) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.StreamCount() > 0 {
			return false
		}
	}
	return true
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
