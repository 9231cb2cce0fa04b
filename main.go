package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/demo"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/server"
	"example.com/grpclite/internal/transport"
)

// tlsFileConfig is a minimal struct to unmarshal just the TLS cert/key file paths
// from a dedicated TLS config file.
type tlsFileConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

func main() {
	cfg, tlsCfg, err := quickStartConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Usage: %s <endpoint> [tls-config-path]: %v", os.Args[0], err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	services := lite.NewServiceRegistry()
	if err := demo.Register(services); err != nil {
		log.Fatalf("Failed to register services: %v", err)
	}

	var opts []server.Option
	if tlsCfg != nil {
		opts = append(opts, server.WithTLS(tlsCfg))
	}
	srv, err := server.NewServer(cfg, services, lg, opts...)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Start blocks until the server is shut down, for example by SIGINT.
	lg.Info("Starting server...", logger.LogFields{"listen": cfg.Server.Listen, "tls": tlsCfg != nil})
	if err := srv.Start(); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	lg.Info("Server shut down gracefully", nil)
}

// quickStartConfig turns the positional arguments into a server
// configuration plus an optional TLS configuration.
func quickStartConfig(args []string) (*config.Config, *tls.Config, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, nil, fmt.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
	ep, err := transport.ParseEndpoint(args[0])
	if err != nil {
		return nil, nil, err
	}

	cfg := &config.Config{
		Server: &config.ServerConfig{Listen: []string{ep.String()}},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelInfo,
			Format:   "console",
			CallLog:  &config.CallLogConfig{Enabled: boolPtr(true), Target: "stdout"},
			ErrorLog: &config.ErrorLogConfig{Target: "stderr"},
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	var tlsCfg *tls.Config
	if len(args) == 2 {
		if tlsCfg, err = createTLSConfig(args[1]); err != nil {
			return nil, nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
	}
	return cfg, tlsCfg, nil
}

// createTLSConfig reads a JSON file, loads the specified certificate and key,
// and returns a crypto/tls.Config object.
// Paths in the JSON file are resolved relative to the file's location.
func createTLSConfig(configPath string) (*tls.Config, error) {
	tlsBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read TLS config file %s: %w", configPath, err)
	}

	var fileCfg tlsFileConfig
	if err := json.Unmarshal(tlsBytes, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse TLS config file %s: %w", configPath, err)
	}
	if fileCfg.CertFile == "" || fileCfg.KeyFile == "" {
		return nil, fmt.Errorf("TLS config file %s must contain 'cert_file' and 'key_file'", configPath)
	}

	configDir := filepath.Dir(configPath)
	certPath := fileCfg.CertFile
	if !filepath.IsAbs(certPath) {
		certPath = filepath.Join(configDir, certPath)
	}
	keyPath := fileCfg.KeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(configDir, keyPath)
	}

	return transport.ServerTLSConfig(&config.TLSConfig{CertFile: certPath, KeyFile: keyPath})
}

func boolPtr(b bool) *bool { return &b }
