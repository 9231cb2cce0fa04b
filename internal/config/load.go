package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultInputBuffer             = 0
	DefaultOutputBuffer            = 0
	DefaultMaxStreamBuffer         = 256
	DefaultMaxIDAttempts           = 1024
	DefaultMaxFramePayload         = 0x1FFFFF
	DefaultMaxMessageSize          = 64 << 20
	DefaultCompressThreshold       = 0
	DefaultKeepaliveInterval       = "0s"
	DefaultKeepaliveTimeout        = "20s"
	DefaultGracefulShutdownTimeout = "30s"
	DefaultDialTimeout             = "10s"
	DefaultLogFormat               = "json"
)

// LoadConfig reads, parses, defaults and validates a configuration file.
// The format is chosen by extension (.json, .toml); anything else is
// auto-detected from the content.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", filePath, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		err = parseJSON(data, cfg)
	case ".toml":
		err = parseTOML(data, cfg)
	default:
		err = autoDetect(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filePath, err)
	}
	return cfg, nil
}

func parseJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse JSON configuration: %w", err)
	}
	return nil
}

func parseTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse TOML configuration: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("failed to parse TOML configuration: unknown keys %v", undecoded)
	}
	return nil
}

func autoDetect(data []byte, cfg *Config) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := parseJSON(trimmed, cfg); err == nil {
			return nil
		}
		*cfg = Config{}
	}
	if err := parseTOML(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("failed to auto-detect configuration format: content is neither valid JSON nor valid TOML")
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func boolPtr(v bool) *bool { return &v }

func derefInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// ApplyDefaults fills every unset field with its default value. Sections
// that are entirely absent are created, except Server and Client, which
// only make sense when present.
func ApplyDefaults(cfg *Config) {
	if cfg.Server != nil {
		if cfg.Server.MaxConcurrentStreams == nil {
			cfg.Server.MaxConcurrentStreams = intPtr(0)
		}
		if cfg.Server.GracefulShutdownTimeout == nil {
			cfg.Server.GracefulShutdownTimeout = strPtr(DefaultGracefulShutdownTimeout)
		}
	}
	if cfg.Client != nil && cfg.Client.DialTimeout == nil {
		cfg.Client.DialTimeout = strPtr(DefaultDialTimeout)
	}

	if cfg.Gate == nil {
		cfg.Gate = &GateConfig{}
	}
	if cfg.Gate.InputBuffer == nil {
		cfg.Gate.InputBuffer = intPtr(DefaultInputBuffer)
	}
	if cfg.Gate.OutputBuffer == nil {
		cfg.Gate.OutputBuffer = intPtr(DefaultOutputBuffer)
	}
	if cfg.Gate.MaxStreamBuffer == nil {
		cfg.Gate.MaxStreamBuffer = intPtr(DefaultMaxStreamBuffer)
	}

	if cfg.Streams == nil {
		cfg.Streams = &StreamsConfig{}
	}
	s := cfg.Streams
	if s.MaxIDAttempts == nil {
		s.MaxIDAttempts = intPtr(DefaultMaxIDAttempts)
	}
	if s.ExhaustionPolicy == "" {
		s.ExhaustionPolicy = ExhaustionFail
	}
	if s.MaxFramePayload == nil {
		s.MaxFramePayload = intPtr(DefaultMaxFramePayload)
	}
	if s.MaxMessageSize == nil {
		s.MaxMessageSize = intPtr(DefaultMaxMessageSize)
	}
	if s.CompressThreshold == nil {
		s.CompressThreshold = intPtr(DefaultCompressThreshold)
	}
	if s.KeepaliveInterval == nil {
		s.KeepaliveInterval = strPtr(DefaultKeepaliveInterval)
	}
	if s.KeepaliveTimeout == nil {
		s.KeepaliveTimeout = strPtr(DefaultKeepaliveTimeout)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.Format == "" {
		l.Format = DefaultLogFormat
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.CallLog == nil {
		l.CallLog = &CallLogConfig{}
	}
	if l.CallLog.Enabled == nil {
		l.CallLog.Enabled = boolPtr(false)
	}
	if l.CallLog.Target == "" {
		l.CallLog.Target = "stdout"
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if cfg.Server != nil {
		if len(cfg.Server.Listen) == 0 {
			return fmt.Errorf("server.listen must contain at least one endpoint")
		}
		for i, ep := range cfg.Server.Listen {
			if strings.TrimSpace(ep) == "" {
				return fmt.Errorf("server.listen[%d] is empty", i)
			}
		}
		if cfg.Server.MaxConcurrentStreams != nil && *cfg.Server.MaxConcurrentStreams < 0 {
			return fmt.Errorf("server.max_concurrent_streams must be >= 0, got %d", *cfg.Server.MaxConcurrentStreams)
		}
		if err := validateDuration("server.graceful_shutdown_timeout", cfg.Server.GracefulShutdownTimeout); err != nil {
			return err
		}
		if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
			return fmt.Errorf("server.tls requires both cert_file and key_file")
		}
	}
	if cfg.Client != nil {
		if strings.TrimSpace(cfg.Client.Endpoint) == "" {
			return fmt.Errorf("client.endpoint cannot be empty")
		}
		if err := validateDuration("client.dial_timeout", cfg.Client.DialTimeout); err != nil {
			return err
		}
	}
	if g := cfg.Gate; g != nil {
		if derefInt(g.InputBuffer, 0) < 0 || derefInt(g.OutputBuffer, 0) < 0 {
			return fmt.Errorf("gate buffer sizes must be >= 0")
		}
		if derefInt(g.MaxStreamBuffer, 1) < 1 {
			return fmt.Errorf("gate.max_stream_buffer must be >= 1")
		}
	}
	if s := cfg.Streams; s != nil {
		if derefInt(s.MaxIDAttempts, 1) < 1 {
			return fmt.Errorf("streams.max_id_attempts must be >= 1")
		}
		switch s.ExhaustionPolicy {
		case "", ExhaustionFail, ExhaustionWait:
		default:
			return fmt.Errorf("streams.exhaustion_policy must be %q or %q, got %q", ExhaustionFail, ExhaustionWait, s.ExhaustionPolicy)
		}
		if fp := derefInt(s.MaxFramePayload, DefaultMaxFramePayload); fp < 1 || fp > DefaultMaxFramePayload {
			return fmt.Errorf("streams.max_frame_payload must be within [1, %d], got %d", DefaultMaxFramePayload, fp)
		}
		if derefInt(s.MaxMessageSize, 1) < 1 {
			return fmt.Errorf("streams.max_message_size must be >= 1")
		}
		if derefInt(s.CompressThreshold, 0) < 0 {
			return fmt.Errorf("streams.compress_threshold must be >= 0")
		}
		if err := validateDuration("streams.keepalive_interval", s.KeepaliveInterval); err != nil {
			return err
		}
		if err := validateDuration("streams.keepalive_timeout", s.KeepaliveTimeout); err != nil {
			return err
		}
	}
	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case "", LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
		}
		switch l.Format {
		case "", "json", "console":
		default:
			return fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", l.Format)
		}
		if l.ErrorLog != nil {
			if err := validateTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
				return err
			}
		}
		if l.CallLog != nil {
			if err := validateTarget("logging.call_log.target", l.CallLog.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateDuration(field string, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %q", field, *v)
	}
	return nil
}

func validateTarget(field, target string) error {
	if target == "" || target == "stdout" || target == "stderr" || IsFilePath(target) {
		return nil
	}
	return fmt.Errorf("%s must be \"stdout\", \"stderr\" or an absolute file path, got %q", field, target)
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return filepath.IsAbs(target)
}

// GateSizes returns the configured gate capacities.
func (c *Config) GateSizes() (input, output int) {
	if c == nil || c.Gate == nil {
		return DefaultInputBuffer, DefaultOutputBuffer
	}
	return derefInt(c.Gate.InputBuffer, DefaultInputBuffer), derefInt(c.Gate.OutputBuffer, DefaultOutputBuffer)
}

// StreamBuffer returns how many inbound messages one stream may hold.
func (c *Config) StreamBuffer() int {
	if c == nil || c.Gate == nil {
		return DefaultMaxStreamBuffer
	}
	return derefInt(c.Gate.MaxStreamBuffer, DefaultMaxStreamBuffer)
}

// StreamLimits groups the per-connection stream parameters in plain form.
type StreamLimits struct {
	MaxIDAttempts     int
	WaitOnExhaustion  bool
	MaxFramePayload   int
	MaxMessageSize    int
	CompressThreshold int
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// Limits returns the stream parameters, falling back to defaults for
// anything unset. Durations are assumed valid (see Validate).
func (c *Config) Limits() StreamLimits {
	sl := StreamLimits{
		MaxIDAttempts:     DefaultMaxIDAttempts,
		MaxFramePayload:   DefaultMaxFramePayload,
		MaxMessageSize:    DefaultMaxMessageSize,
		CompressThreshold: DefaultCompressThreshold,
	}
	sl.KeepaliveTimeout, _ = time.ParseDuration(DefaultKeepaliveTimeout)
	if c == nil || c.Streams == nil {
		return sl
	}
	s := c.Streams
	sl.MaxIDAttempts = derefInt(s.MaxIDAttempts, sl.MaxIDAttempts)
	sl.WaitOnExhaustion = s.ExhaustionPolicy == ExhaustionWait
	sl.MaxFramePayload = derefInt(s.MaxFramePayload, sl.MaxFramePayload)
	sl.MaxMessageSize = derefInt(s.MaxMessageSize, sl.MaxMessageSize)
	sl.CompressThreshold = derefInt(s.CompressThreshold, sl.CompressThreshold)
	if s.KeepaliveInterval != nil {
		sl.KeepaliveInterval, _ = time.ParseDuration(*s.KeepaliveInterval)
	}
	if s.KeepaliveTimeout != nil {
		sl.KeepaliveTimeout, _ = time.ParseDuration(*s.KeepaliveTimeout)
	}
	return sl
}

// ShutdownTimeout returns the server's graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	v := DefaultGracefulShutdownTimeout
	if c != nil && c.Server != nil && c.Server.GracefulShutdownTimeout != nil {
		v = *c.Server.GracefulShutdownTimeout
	}
	d, _ := time.ParseDuration(v)
	return d
}

// DialTimeout returns the client's dial budget.
func (c *Config) DialTimeout() time.Duration {
	v := DefaultDialTimeout
	if c != nil && c.Client != nil && c.Client.DialTimeout != nil {
		v = *c.Client.DialTimeout
	}
	d, _ := time.ParseDuration(v)
	return d
}
