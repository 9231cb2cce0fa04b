// Package client dials a server endpoint and hands back a ready invoker.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"example.com/grpclite/internal/transport"
)

// Options configure Dial.
type Options struct {
	// TLS, when set, wraps the transport. ServerName is the TLS target name.
	TLS *tls.Config
	// InProcess resolves inproc endpoints.
	InProcess *transport.InProcess
	// Timeout bounds dialling and the TLS handshake. Zero means only ctx
	// bounds them.
	Timeout time.Duration
	// Connection holds the options of the multiplexed connection.
	Connection lite.Options
}

// Dial connects to endpoint and starts a client connection over it.
func Dial(ctx context.Context, endpoint string, opts Options) (*lite.Invoker, error) {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	rwc, err := transport.Dial(ctx, ep, transport.Options{TLS: opts.TLS, InProcess: opts.InProcess})
	if err != nil {
		return nil, err
	}
	return lite.NewInvoker(lite.NewClientConnection(rwc, opts.Connection)), nil
}

// DialConfig dials cfg.Client.Endpoint with the gate, stream, TLS and dial
// timeout settings of cfg. lg and m may be nil.
func DialConfig(ctx context.Context, cfg *config.Config, lg *logger.Logger, m *metrics.Metrics) (*lite.Invoker, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, fmt.Errorf("client configuration section (client) is missing")
	}
	tc, err := transport.ClientTLSConfig(cfg.Client.TLS)
	if err != nil {
		return nil, err
	}
	connOpts := lite.OptionsFromConfig(cfg)
	connOpts.Logger = lg
	connOpts.Metrics = m
	return Dial(ctx, cfg.Client.Endpoint, Options{
		TLS:        tc,
		Timeout:    cfg.DialTimeout(),
		Connection: connOpts,
	})
}
