package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"example.com/grpclite/internal/config"
)

// LogFields carries structured key/value context for a log line.
type LogFields map[string]interface{}

// fileSink is an io.Writer over a log file that can be reopened in place,
// so that loggers derived with With keep writing after a SIGHUP rotation.
type fileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &fileSink{path: path, f: f}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, os.ErrClosed
	}
	return s.f.Write(p)
}

func (s *fileSink) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file %s: %w", s.path, err)
	}
	old := s.f
	s.f = f
	if old != nil {
		return old.Close()
	}
	return nil
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// sinks is shared between a Logger and every child derived from it.
type sinks struct {
	files []*fileSink
}

// Logger writes levelled error/diagnostic lines and, optionally, one line
// per completed RPC to a separate call log.
type Logger struct {
	errorLog zerolog.Logger
	callLog  *zerolog.Logger
	sinks    *sinks
}

// CallRecord describes one completed RPC for the call log.
type CallRecord struct {
	ConnID   string
	StreamID uint16
	Method   string
	Role     string
	Code     string
	Message  string
	Duration time.Duration
}

func zerologLevel(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (s *sinks) resolve(target string) (io.Writer, error) {
	switch {
	case target == "" || target == "stderr":
		return os.Stderr, nil
	case target == "stdout":
		return os.Stdout, nil
	case config.IsFilePath(target):
		fs, err := openFileSink(target)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		s.files = append(s.files, fs)
		return fs, nil
	default:
		return nil, fmt.Errorf("invalid log target: %s", target)
	}
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	s := &sinks{}
	l := &Logger{sinks: s}

	target := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		target = cfg.ErrorLog.Target
	}
	errOut, err := s.resolve(target)
	if err != nil {
		return nil, err
	}
	l.errorLog = newZerolog(errOut, cfg.Format).Level(zerologLevel(cfg.LogLevel))

	if cfg.CallLog != nil && cfg.CallLog.Enabled != nil && *cfg.CallLog.Enabled {
		callTarget := cfg.CallLog.Target
		if callTarget == "" {
			callTarget = "stdout"
		}
		callOut, err := s.resolve(callTarget)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, err
		}
		cl := newZerolog(callOut, cfg.Format)
		l.callLog = &cl
	}
	return l, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{errorLog: zerolog.Nop(), sinks: &sinks{}}
}

// NewTestLogger returns a JSON Logger writing both error and call lines to w.
func NewTestLogger(w io.Writer, level config.LogLevel) *Logger {
	el := zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(level))
	cl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{errorLog: el, callLog: &cl, sinks: &sinks{}}
}

// With returns a child logger that stamps every line with fields.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	child := &Logger{
		errorLog: l.errorLog.With().Fields(map[string]interface{}(fields)).Logger(),
		sinks:    l.sinks,
	}
	if l.callLog != nil {
		cl := l.callLog.With().Fields(map[string]interface{}(fields)).Logger()
		child.callLog = &cl
	}
	return child
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields LogFields) {
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, fields LogFields) {
	if l == nil {
		return
	}
	l.emit(l.errorLog.Debug(), msg, fields)
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, fields LogFields) {
	if l == nil {
		return
	}
	l.emit(l.errorLog.Info(), msg, fields)
}

// Warn logs a message at WARNING level.
func (l *Logger) Warn(msg string, fields LogFields) {
	if l == nil {
		return
	}
	l.emit(l.errorLog.Warn(), msg, fields)
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, fields LogFields) {
	if l == nil {
		return
	}
	l.emit(l.errorLog.Error(), msg, fields)
}

// CallLogEnabled reports whether LogCall writes anything.
func (l *Logger) CallLogEnabled() bool {
	return l != nil && l.callLog != nil
}

// LogCall writes one line describing a completed RPC.
func (l *Logger) LogCall(rec CallRecord) {
	if !l.CallLogEnabled() {
		return
	}
	ev := l.callLog.Log().
		Str("method", rec.Method).
		Uint16("stream_id", rec.StreamID).
		Str("role", rec.Role).
		Str("code", rec.Code).
		Dur("duration", rec.Duration)
	if rec.ConnID != "" {
		ev = ev.Str("conn_id", rec.ConnID)
	}
	if rec.Message != "" {
		ev = ev.Str("status_message", rec.Message)
	}
	ev.Msg("rpc")
}

// ReopenLogFiles reopens every file-backed target, typically after log rotation.
func (l *Logger) ReopenLogFiles() error {
	if l == nil {
		return nil
	}
	var errs error
	for _, fs := range l.sinks.files {
		errs = multierr.Append(errs, fs.reopen())
	}
	return errs
}

// CloseLogFiles closes every file-backed target. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	var errs error
	for _, fs := range l.sinks.files {
		errs = multierr.Append(errs, fs.close())
	}
	return errs
}
