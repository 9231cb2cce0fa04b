// Package testutil starts servers from configuration files and dials them
// the way the shipped binaries do, for the end-to-end suite.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"example.com/grpclite/internal/client"
	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/demo"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"example.com/grpclite/internal/server"
	"example.com/grpclite/internal/transport"
	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
)

const readyTimeout = 10 * time.Second

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running server under test.
type ServerInstance struct {
	Config     *config.Config // as loaded from ConfigPath
	ConfigPath string
	Endpoints  []string // bound endpoints, with real ports
	LogBuffer  *SyncBuffer
	Registry   *prometheus.Registry

	srv     *server.Server
	cmd     *exec.Cmd
	runErr  chan error
	stopped sync.Once
	stopErr error
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData as JSON or TOML into t.TempDir() and
// returns the path.
func WriteTempConfig(t *testing.T, configData interface{}, format string) string {
	t.Helper()
	var data []byte
	var err error
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		t.Fatalf("failed to marshal config data to %s: %v", format, err)
	}

	path := filepath.Join(t.TempDir(), "config"+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write temp config file: %v", err)
	}
	return path
}

// StartServer loads configPath, serves the demo calculator on every
// configured endpoint inside the test process and stops it on cleanup.
func StartServer(t *testing.T, configPath string) *ServerInstance {
	t.Helper()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("loading %s: %v", configPath, err)
	}

	inst := &ServerInstance{
		Config:     cfg,
		ConfigPath: configPath,
		LogBuffer:  &SyncBuffer{},
		Registry:   prometheus.NewRegistry(),
		runErr:     make(chan error, 1),
	}
	services := lite.NewServiceRegistry()
	if err := demo.Register(services); err != nil {
		t.Fatalf("registering services: %v", err)
	}
	lg := logger.NewTestLogger(inst.LogBuffer, cfg.Logging.LogLevel)
	srv, err := server.NewServer(cfg, services, lg, server.WithMetrics(metrics.NewMetrics(inst.Registry)))
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	if err := srv.Listen(context.Background()); err != nil {
		t.Fatalf("binding %v: %v", cfg.Server.Listen, err)
	}
	inst.srv = srv

	for i, raw := range cfg.Server.Listen {
		ep, err := transport.ParseEndpoint(raw)
		if err != nil {
			t.Fatalf("parsing %q: %v", raw, err)
		}
		// Listen binds in configuration order, so Addrs lines up.
		if ep.Scheme != transport.SchemeUnix {
			ep.Address = srv.Addrs()[i].String()
		}
		inst.Endpoints = append(inst.Endpoints, ep.String())
	}

	go func() { inst.runErr <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		if err := inst.Stop(); err != nil {
			t.Errorf("stopping server: %v\nLogs:\n%s", err, inst.LogBuffer.String())
		}
	})
	return inst
}

// StartBinary launches the server binary with -config configPath and waits
// until every TCP endpoint in the file accepts connections. The listen
// addresses must carry fixed ports, see GetFreePort.
func StartBinary(t *testing.T, binaryPath, configPath string, extraArgs ...string) *ServerInstance {
	t.Helper()
	fi, err := os.Stat(binaryPath)
	if err != nil {
		t.Fatalf("server binary path '%s' error: %v", binaryPath, err)
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		t.Fatalf("server binary path '%s' is a directory or not executable", binaryPath)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("loading %s: %v", configPath, err)
	}

	inst := &ServerInstance{
		Config:     cfg,
		ConfigPath: configPath,
		Endpoints:  cfg.Server.Listen,
		LogBuffer:  &SyncBuffer{},
		runErr:     make(chan error, 1),
	}
	args := append([]string{"-config", configPath}, extraArgs...)
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdout = inst.LogBuffer
	cmd.Stderr = inst.LogBuffer
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start server process '%s': %v", binaryPath, err)
	}
	inst.cmd = cmd
	go func() { inst.runErr <- cmd.Wait() }()
	t.Cleanup(func() {
		if err := inst.Stop(); err != nil {
			t.Errorf("stopping server: %v\nLogs:\n%s", err, inst.LogBuffer.String())
		}
	})

	for _, raw := range cfg.Server.Listen {
		if err := waitReady(raw); err != nil {
			t.Fatalf("%v\nLogs captured:\n%s", err, inst.LogBuffer.String())
		}
	}
	return inst
}

func waitReady(raw string) error {
	ep, err := transport.ParseEndpoint(raw)
	if err != nil {
		return err
	}
	network := "tcp"
	if ep.Scheme == transport.SchemeUnix {
		network = "unix"
	}
	pollInterval := 100 * time.Millisecond
	deadline := time.Now().Add(readyTimeout)
	var lastDialErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout(network, ep.Address, pollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		lastDialErr = err
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("server not ready at %s after %v. Last dial error: %v", raw, readyTimeout, lastDialErr)
}

// Stop shuts the server down gracefully. A subprocess gets SIGINT, then
// SIGKILL if it does not exit in time. Stop is idempotent.
func (s *ServerInstance) Stop() error {
	s.stopped.Do(func() {
		if s.cmd != nil {
			s.stopErr = s.stopProcess()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stopErr = s.srv.Shutdown(ctx)
		select {
		case err := <-s.runErr:
			if s.stopErr == nil {
				s.stopErr = err
			}
		case <-time.After(5 * time.Second):
			s.stopErr = fmt.Errorf("server did not stop within 5s")
		}
	})
	return s.stopErr
}

func (s *ServerInstance) stopProcess() error {
	if err := s.cmd.Process.Signal(syscall.SIGINT); err == nil {
		select {
		case err := <-s.runErr:
			return err
		case <-time.After(5 * time.Second):
		}
	}
	_ = s.cmd.Process.Kill()
	<-s.runErr
	return fmt.Errorf("server ignored SIGINT and was killed")
}

// ConnectionCount reports live connections of an in-process server.
func (s *ServerInstance) ConnectionCount() int {
	if s.srv == nil {
		return 0
	}
	return s.srv.ConnectionCount()
}

// ClientConfig builds a client configuration for endpoint.
func ClientConfig(endpoint string, tlsCfg *config.TLSConfig, input, output int) *config.Config {
	return &config.Config{
		Client: &config.ClientConfig{Endpoint: endpoint, TLS: tlsCfg},
		Gate:   &config.GateConfig{InputBuffer: &input, OutputBuffer: &output},
	}
}

// DialConfigFile loads a client configuration file and dials it. The
// invoker is closed on cleanup.
func DialConfigFile(t *testing.T, configPath string) *demo.Client {
	t.Helper()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("loading %s: %v", configPath, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	inv, err := client.DialConfig(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("dialling %s: %v", cfg.Client.Endpoint, err)
	}
	t.Cleanup(func() { inv.Close() })
	return demo.NewClient(inv)
}
