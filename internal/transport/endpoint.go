// Package transport turns endpoint descriptors into byte streams: TCP and
// unix-socket listeners and dialers with optional TLS, an in-process
// network for tests and embedding, and a WebSocket adapter.
package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint schemes.
const (
	SchemeTCP    = "tcp"
	SchemeUnix   = "unix"
	SchemeWS     = "ws"
	SchemeWSS    = "wss"
	SchemeInProc = "inproc"
)

// Endpoint is a parsed endpoint descriptor such as "tcp://127.0.0.1:10042".
type Endpoint struct {
	Scheme string
	// Address is host:port for tcp, ws and wss, a socket path for unix and a
	// name for inproc.
	Address string
	// Path is the HTTP path of a WebSocket endpoint.
	Path string
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeWS, SchemeWSS:
		return e.Scheme + "://" + e.Address + e.Path
	}
	return e.Scheme + "://" + e.Address
}

// URL returns the WebSocket URL of a ws or wss endpoint.
func (e Endpoint) URL() string {
	return (&url.URL{Scheme: e.Scheme, Host: e.Address, Path: e.Path}).String()
}

// ParseEndpoint parses s. A bare "host:port" is taken as TCP.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("endpoint cannot be empty")
	}
	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		scheme, rest = SchemeTCP, s
	}
	scheme = strings.ToLower(scheme)

	switch scheme {
	case SchemeTCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: %w", s, err)
		}
		return Endpoint{Scheme: scheme, Address: rest}, nil

	case SchemeUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("unix endpoint %q has no socket path", s)
		}
		return Endpoint{Scheme: scheme, Address: rest}, nil

	case SchemeInProc:
		if rest == "" || strings.ContainsRune(rest, '/') {
			return Endpoint{}, fmt.Errorf("inproc endpoint %q needs a plain name", s)
		}
		return Endpoint{Scheme: scheme, Address: rest}, nil

	case SchemeWS, SchemeWSS:
		u, err := url.Parse(scheme + "://" + rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid websocket endpoint %q: %w", s, err)
		}
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return Endpoint{}, fmt.Errorf("websocket endpoint %q needs host:port: %w", s, err)
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		return Endpoint{Scheme: scheme, Address: u.Host, Path: path}, nil
	}
	return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q in %q", scheme, s)
}
