package client

import (
	"context"
	"net"
	"testing"
	"time"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/demo"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/server"
	"example.com/grpclite/internal/testutil"
	"example.com/grpclite/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg *config.Config, opts ...server.Option) *server.Server {
	t.Helper()
	config.ApplyDefaults(cfg)
	reg := lite.NewServiceRegistry()
	require.NoError(t, demo.Register(reg))
	s, err := server.NewServer(cfg, reg, logger.NewNop(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Listen(context.Background()))
	go func() { _ = s.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestDial_TCP(t *testing.T) {
	s := startServer(t, &config.Config{Server: &config.ServerConfig{Listen: []string{"127.0.0.1:0"}}})

	inv, err := Dial(context.Background(), "tcp://"+s.Addrs()[0].String(), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer inv.Close()

	got, err := demo.NewClient(inv).Echo(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, int32(12), got)
}

func TestDialConfig_TLSWithTargetName(t *testing.T) {
	certFile, keyFile := testutil.GenerateSelfSignedCertKeyFiles(t, "calc.internal")
	s := startServer(t, &config.Config{Server: &config.ServerConfig{
		Listen: []string{"tcp://127.0.0.1:0"},
		TLS:    &config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	}})

	// Dialled by IP, verified against the name in the certificate.
	cfg := &config.Config{Client: &config.ClientConfig{
		Endpoint: "tcp://" + s.Addrs()[0].String(),
		TLS:      &config.TLSConfig{CAFile: certFile, ServerName: "calc.internal"},
	}}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))

	inv, err := DialConfig(context.Background(), cfg, logger.NewNop(), nil)
	require.NoError(t, err)
	defer inv.Close()
	tm, err := demo.RunUnary(context.Background(), demo.NewClient(inv), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, tm.Calls)

	cfg.Client.TLS.ServerName = "someone.else"
	_, err = DialConfig(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestDialConfig_GateSettingsApply(t *testing.T) {
	s := startServer(t, &config.Config{Server: &config.ServerConfig{Listen: []string{"tcp://127.0.0.1:0"}}})
	in, out := 32, 32
	cfg := &config.Config{
		Client: &config.ClientConfig{Endpoint: s.Addrs()[0].String()},
		Gate:   &config.GateConfig{InputBuffer: &in, OutputBuffer: &out},
	}
	config.ApplyDefaults(cfg)

	inv, err := DialConfig(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer inv.Close()
	_, err = demo.RunClientStreaming(context.Background(), demo.NewClient(inv), 10000, true)
	require.NoError(t, err)
}

func TestDialConfig_MissingSection(t *testing.T) {
	_, err := DialConfig(context.Background(), &config.Config{}, nil, nil)
	assert.Error(t, err)
	_, err = DialConfig(context.Background(), nil, nil, nil)
	assert.Error(t, err)
}

func TestDial_Errors(t *testing.T) {
	_, err := Dial(context.Background(), "bogus://x", Options{})
	assert.Error(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	_, err = Dial(context.Background(), "tcp://"+addr, Options{Timeout: time.Second})
	assert.Error(t, err)
}

func TestDial_TimeoutBoundsInProcessDial(t *testing.T) {
	network := transport.NewInProcess()
	l, err := network.Listen("never-accepts")
	require.NoError(t, err)
	defer l.Close()

	start := time.Now()
	_, err = Dial(context.Background(), "inproc://never-accepts", Options{InProcess: network, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_InProcessServer(t *testing.T) {
	network := transport.NewInProcess()
	startServer(t, &config.Config{Server: &config.ServerConfig{Listen: []string{"inproc://calc"}}}, server.WithInProcess(network))

	inv, err := Dial(context.Background(), "inproc://calc", Options{InProcess: network})
	require.NoError(t, err)
	defer inv.Close()
	_, err = demo.RunDuplex(context.Background(), demo.NewClient(inv), 20)
	require.NoError(t, err)
}
