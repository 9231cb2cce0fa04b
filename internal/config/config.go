package config

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// ExhaustionPolicy selects what stream ID allocation does once every
// attempt within the retry bound collided with a live stream.
type ExhaustionPolicy string

const (
	// ExhaustionFail surfaces the exhaustion to the caller opening the stream.
	ExhaustionFail ExhaustionPolicy = "fail"
	// ExhaustionWait parks the caller until a stream is released or its context ends.
	ExhaustionWait ExhaustionPolicy = "wait"
)

// Config is the top-level configuration structure shared by the server and
// client binaries.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Client  *ClientConfig  `json:"client,omitempty" toml:"client,omitempty"`
	Gate    *GateConfig    `json:"gate,omitempty" toml:"gate,omitempty"`
	Streams *StreamsConfig `json:"streams,omitempty" toml:"streams,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// Listen holds endpoint descriptors such as "tcp://127.0.0.1:10042" or
	// "unix:///run/grpclite.sock".
	Listen                  []string   `json:"listen,omitempty" toml:"listen,omitempty"`
	TLS                     *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`
	MaxConcurrentStreams    *int       `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	GracefulShutdownTimeout *string    `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// ClientConfig holds the settings a client uses to reach a server.
type ClientConfig struct {
	Endpoint    string     `json:"endpoint,omitempty" toml:"endpoint,omitempty"`
	TLS         *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`
	DialTimeout *string    `json:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
}

// TLSConfig describes optional TLS wrapping of a transport.
// Servers need CertFile and KeyFile; clients usually set ServerName (the
// TLS target name) and CAFile.
type TLSConfig struct {
	CertFile           string `json:"cert_file,omitempty" toml:"cert_file,omitempty"`
	KeyFile            string `json:"key_file,omitempty" toml:"key_file,omitempty"`
	CAFile             string `json:"ca_file,omitempty" toml:"ca_file,omitempty"`
	ServerName         string `json:"server_name,omitempty" toml:"server_name,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify,omitempty"`
}

// GateConfig sizes the flow-control gate. An input buffer of zero selects
// the synchronous gate. MaxStreamBuffer caps the messages one stream holds
// before its reader takes them; a full stream suspends frame routing.
type GateConfig struct {
	InputBuffer     *int `json:"input_buffer,omitempty" toml:"input_buffer,omitempty"`
	OutputBuffer    *int `json:"output_buffer,omitempty" toml:"output_buffer,omitempty"`
	MaxStreamBuffer *int `json:"max_stream_buffer,omitempty" toml:"max_stream_buffer,omitempty"`
}

// StreamsConfig holds per-connection stream limits and timings.
type StreamsConfig struct {
	MaxIDAttempts     *int             `json:"max_id_attempts,omitempty" toml:"max_id_attempts,omitempty"`
	ExhaustionPolicy  ExhaustionPolicy `json:"exhaustion_policy,omitempty" toml:"exhaustion_policy,omitempty"`
	MaxFramePayload   *int             `json:"max_frame_payload,omitempty" toml:"max_frame_payload,omitempty"`
	MaxMessageSize    *int             `json:"max_message_size,omitempty" toml:"max_message_size,omitempty"`
	CompressThreshold *int             `json:"compress_threshold,omitempty" toml:"compress_threshold,omitempty"` // 0 disables
	KeepaliveInterval *string          `json:"keepalive_interval,omitempty" toml:"keepalive_interval,omitempty"` // "0s" disables
	KeepaliveTimeout  *string          `json:"keepalive_timeout,omitempty" toml:"keepalive_timeout,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel LogLevel        `json:"log_level,omitempty" toml:"log_level,omitempty"`
	Format   string          `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
	CallLog  *CallLogConfig  `json:"call_log,omitempty" toml:"call_log,omitempty"`
	ErrorLog *ErrorLogConfig `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// CallLogConfig configures the per-RPC call log.
type CallLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}
