package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

var (
	// ErrAddressInUse is returned when an in-process name is already bound.
	ErrAddressInUse = errors.New("transport: address already in use")
	// ErrConnectionRefused is returned when nothing listens on an
	// in-process name.
	ErrConnectionRefused = errors.New("transport: connection refused")
	// ErrNoInProcessNetwork is returned for inproc endpoints when Options
	// carries no InProcess network.
	ErrNoInProcessNetwork = errors.New("transport: inproc endpoint without an in-process network")
)

// Options configure Listen and Dial.
type Options struct {
	// TLS wraps tcp and unix streams, and turns ws into wss. On the client
	// side an empty ServerName is filled from the endpoint host.
	TLS *tls.Config
	// InProcess resolves inproc endpoints.
	InProcess *InProcess
}

// Listen binds ep. For ws and wss endpoints the returned listener accepts
// upgraded WebSocket connections.
func Listen(ctx context.Context, ep Endpoint, opts Options) (net.Listener, error) {
	var lc net.ListenConfig
	switch ep.Scheme {
	case SchemeTCP:
		l, err := lc.Listen(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", ep, err)
		}
		return wrapTLSListener(l, opts.TLS), nil

	case SchemeUnix:
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, err
		}
		l, err := lc.Listen(ctx, "unix", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", ep, err)
		}
		return wrapTLSListener(l, opts.TLS), nil

	case SchemeWS, SchemeWSS:
		l, err := lc.Listen(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", ep, err)
		}
		if ep.Scheme == SchemeWSS && opts.TLS == nil {
			l.Close()
			return nil, fmt.Errorf("wss endpoint %s needs a TLS configuration", ep)
		}
		return newWebSocketListener(wrapTLSListener(l, opts.TLS), ep.Path), nil

	case SchemeInProc:
		if opts.InProcess == nil {
			return nil, ErrNoInProcessNetwork
		}
		return opts.InProcess.Listen(ep.Address)
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}

// Dial connects to ep. The TLS handshake, when configured, completes before
// Dial returns.
func Dial(ctx context.Context, ep Endpoint, opts Options) (net.Conn, error) {
	var d net.Dialer
	switch ep.Scheme {
	case SchemeTCP, SchemeUnix:
		conn, err := d.DialContext(ctx, ep.Scheme, ep.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", ep, err)
		}
		if opts.TLS == nil {
			return conn, nil
		}
		cfg, err := clientTLSFor(ep, opts.TLS)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", ep, err)
		}
		return tc, nil

	case SchemeWS, SchemeWSS:
		var cfg *tls.Config
		if ep.Scheme == SchemeWSS {
			var err error
			if cfg, err = clientTLSFor(ep, opts.TLS); err != nil {
				return nil, err
			}
		}
		return DialWebSocket(ctx, ep.URL(), cfg)

	case SchemeInProc:
		if opts.InProcess == nil {
			return nil, ErrNoInProcessNetwork
		}
		return opts.InProcess.Dial(ctx, ep.Address)
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}

func wrapTLSListener(l net.Listener, cfg *tls.Config) net.Listener {
	if cfg == nil {
		return l
	}
	return tls.NewListener(l, cfg)
}

// clientTLSFor returns a copy of cfg whose ServerName is set. Unix sockets
// have no host to default to.
func clientTLSFor(ep Endpoint, cfg *tls.Config) (*tls.Config, error) {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg = cfg.Clone()
	if cfg.ServerName != "" || cfg.InsecureSkipVerify {
		return cfg, nil
	}
	if ep.Scheme == SchemeUnix {
		return nil, fmt.Errorf("TLS over %s needs an explicit server name", ep)
	}
	host, _, err := net.SplitHostPort(ep.Address)
	if err != nil {
		return nil, fmt.Errorf("cannot derive TLS server name from %s: %w", ep, err)
	}
	cfg.ServerName = host
	return cfg, nil
}

// removeStaleSocket deletes a socket file left behind by a previous
// process. Anything that is not a socket is left alone.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat unix socket path %s: %w", path, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("unix socket path %s exists and is not a socket", path)
	}
	// A live listener still accepts; leave it for Listen to report.
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale unix socket %s: %w", path, err)
	}
	return nil
}

// IsAddrInUse reports whether err is an "address already in use" error,
// from the operating system or from an in-process network.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAddressInUse) || errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Some platforms only surface the condition in the message.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
