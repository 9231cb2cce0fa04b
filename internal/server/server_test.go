package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/demo"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"example.com/grpclite/internal/testutil"
	"example.com/grpclite/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestConfig(t *testing.T, listen ...string) *config.Config {
	t.Helper()
	cfg := &config.Config{Server: &config.ServerConfig{Listen: listen}}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func newCalculatorRegistry(t *testing.T) *lite.ServiceRegistry {
	t.Helper()
	reg := lite.NewServiceRegistry()
	require.NoError(t, demo.Register(reg))
	return reg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(cfg, newCalculatorRegistry(t), logger.NewNop(), opts...)
	require.NoError(t, err)
	return s
}

// runServer binds and serves s in the background. Cleanup shuts it down.
func runServer(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.Listen(context.Background()))
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after Shutdown")
		}
	})
}

func dialCalculator(t *testing.T, ep transport.Endpoint, opts transport.Options) *demo.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, ep, opts)
	require.NoError(t, err)
	inv := lite.NewInvoker(lite.NewClientConnection(c, lite.Options{}))
	t.Cleanup(func() { inv.Close() })
	return demo.NewClient(inv)
}

func endpointOf(t *testing.T, scheme string, addr net.Addr) transport.Endpoint {
	t.Helper()
	return transport.Endpoint{Scheme: scheme, Address: addr.String(), Path: "/"}
}

func echo(t *testing.T, c *demo.Client, v int32) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.Echo(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestNewServer_Validation(t *testing.T) {
	reg := lite.NewServiceRegistry()
	lg := logger.NewNop()
	cfg := newTestConfig(t, "tcp://127.0.0.1:0")

	_, err := NewServer(nil, reg, lg)
	assert.Error(t, err)
	_, err = NewServer(&config.Config{}, reg, lg)
	assert.Error(t, err)
	_, err = NewServer(cfg, nil, lg)
	assert.Error(t, err)
	_, err = NewServer(cfg, reg, nil)
	assert.Error(t, err)

	bad := newTestConfig(t, "tcp://127.0.0.1:0")
	bad.Server.TLS = &config.TLSConfig{CertFile: "/missing/cert.pem", KeyFile: "/missing/key.pem"}
	_, err = NewServer(bad, reg, lg)
	assert.Error(t, err)
}

func TestServer_TCPAndUnix(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "calc.sock")
	s := newTestServer(t, newTestConfig(t, "tcp://127.0.0.1:0", "unix://"+sock))
	runServer(t, s)

	addrs := s.Addrs()
	require.Len(t, addrs, 2)
	echo(t, dialCalculator(t, endpointOf(t, transport.SchemeTCP, addrs[0]), transport.Options{}), 7)
	echo(t, dialCalculator(t, transport.Endpoint{Scheme: transport.SchemeUnix, Address: sock}, transport.Options{}), 8)
}

func TestServer_TLSFromConfig(t *testing.T) {
	certFile, keyFile := testutil.GenerateSelfSignedCertKeyFiles(t, "localhost")
	cfg := newTestConfig(t, "tcp://127.0.0.1:0")
	cfg.Server.TLS = &config.TLSConfig{CertFile: certFile, KeyFile: keyFile}
	s := newTestServer(t, cfg)
	runServer(t, s)

	clientTLS, err := transport.ClientTLSConfig(&config.TLSConfig{CAFile: certFile, ServerName: "localhost"})
	require.NoError(t, err)
	c := dialCalculator(t, endpointOf(t, transport.SchemeTCP, s.Addrs()[0]), transport.Options{TLS: clientTLS})
	echo(t, c, 42)
}

func TestServer_WebSocket(t *testing.T) {
	s := newTestServer(t, newTestConfig(t, "ws://127.0.0.1:0/"))
	runServer(t, s)

	c := dialCalculator(t, endpointOf(t, transport.SchemeWS, s.Addrs()[0]), transport.Options{})
	echo(t, c, 3)
	_, err := demo.RunClientStreaming(context.Background(), c, 5000, true)
	require.NoError(t, err)
}

func TestServer_InProcess(t *testing.T) {
	network := transport.NewInProcess()
	s := newTestServer(t, newTestConfig(t, "inproc://calc"), WithInProcess(network))
	runServer(t, s)

	c := dialCalculator(t, transport.Endpoint{Scheme: transport.SchemeInProc, Address: "calc"}, transport.Options{InProcess: network})
	echo(t, c, 11)
}

func TestServer_ServeExternalListener(t *testing.T) {
	network := transport.NewInProcess()
	l, err := network.Listen("external")
	require.NoError(t, err)

	s := newTestServer(t, newTestConfig(t, "tcp://127.0.0.1:0"))
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(l) }()

	c := dialCalculator(t, transport.Endpoint{Scheme: transport.SchemeInProc, Address: "external"}, transport.Options{InProcess: network})
	echo(t, c, 5)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestServer_ListenAddrInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	sock := filepath.Join(t.TempDir(), "first.sock")
	s := newTestServer(t, newTestConfig(t, "unix://"+sock, "tcp://"+busy.Addr().String()))
	err = s.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
	assert.Empty(t, s.Addrs(), "endpoints bound before the failure are released")

	// The unix endpoint was released, so it can be bound again.
	l, err := transport.Listen(context.Background(), transport.Endpoint{Scheme: transport.SchemeUnix, Address: sock}, transport.Options{})
	require.NoError(t, err)
	l.Close()
}

func TestServer_RunStopsWhenContextEnds(t *testing.T) {
	s := newTestServer(t, newTestConfig(t, "tcp://127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.Addrs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	c := dialCalculator(t, endpointOf(t, transport.SchemeTCP, s.Addrs()[0]), transport.Options{})
	echo(t, c, 1)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
	assert.Zero(t, s.ConnectionCount())
	assert.ErrorIs(t, s.Serve(newIdleListener()), ErrServerClosed)
}

func TestServer_ShutdownWaitsForActiveCalls(t *testing.T) {
	s := newTestServer(t, newTestConfig(t, "tcp://127.0.0.1:0"))
	runServer(t, s)
	c := dialCalculator(t, endpointOf(t, transport.SchemeTCP, s.Addrs()[0]), transport.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	call, err := c.Chat(ctx)
	require.NoError(t, err)
	defer call.Close()
	// A round trip proves the server side of the call is running.
	require.NoError(t, call.Send([]byte("before")))
	_, err = call.Recv()
	require.NoError(t, err)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.Shutdown(ctx) }()

	select {
	case <-s.Done():
		t.Fatal("shutdown finished while a call was running")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, call.Send([]byte("during")))
	got, err := call.Recv()
	require.NoError(t, err)
	assert.Equal(t, "during", string(got))
	require.NoError(t, call.CloseSend())
	_, err = call.Recv()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-shutdownErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish after the call completed")
	}
	assert.Zero(t, s.ConnectionCount())
}

func TestServer_ShutdownDeadlineClosesBusyConnections(t *testing.T) {
	s := newTestServer(t, newTestConfig(t, "tcp://127.0.0.1:0"))
	runServer(t, s)
	c := dialCalculator(t, endpointOf(t, transport.SchemeTCP, s.Addrs()[0]), transport.Options{})

	call, err := c.Chat(context.Background())
	require.NoError(t, err)
	defer call.Close()
	require.NoError(t, call.Send([]byte("hi")))
	got, err := call.Recv()
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte("hi"), got))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = call.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServer_ConcurrentStreamLimitFromConfig(t *testing.T) {
	cfg := newTestConfig(t, "tcp://127.0.0.1:0")
	limit := 1
	cfg.Server.MaxConcurrentStreams = &limit
	s := newTestServer(t, cfg)
	runServer(t, s)
	c := dialCalculator(t, endpointOf(t, transport.SchemeTCP, s.Addrs()[0]), transport.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	held, err := c.Chat(ctx)
	require.NoError(t, err)
	require.NoError(t, held.Send([]byte("x")))
	_, err = held.Recv()
	require.NoError(t, err)

	_, err = c.Echo(ctx, 1)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	require.NoError(t, held.CloseSend())
	require.NoError(t, held.Close())
	require.Eventually(t, func() bool {
		_, err := c.Echo(ctx, 2)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	s := newTestServer(t, newTestConfig(t, "tcp://127.0.0.1:0"), WithMetrics(m))
	runServer(t, s)

	c := dialCalculator(t, endpointOf(t, transport.SchemeTCP, s.Addrs()[0]), transport.Options{})
	echo(t, c, 9)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Connections))
	assert.Positive(t, promtest.ToFloat64(m.FramesRead.WithLabelValues("OPEN")))
}

// idleListener never yields a connection.
type idleListener struct{ done chan struct{} }

func newIdleListener() *idleListener { return &idleListener{done: make(chan struct{})} }

func (l *idleListener) Accept() (net.Conn, error) {
	<-l.done
	return nil, net.ErrClosed
}

func (l *idleListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *idleListener) Addr() net.Addr { return &net.TCPAddr{} }
