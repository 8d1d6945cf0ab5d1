// Package logger provides structured logging for the mail gateway.
//
// It wraps Go's standard library slog and supports console (stdout/stderr),
// file, and syslog outputs in either text or JSON format. Initialize once at
// process startup from the [logging] configuration section:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// Then use the package-level functions with key-value attributes:
//
//	logger.Info("message received", "message_id", id, "from", sender)
//	logger.Error("relay delivery failed", "recipient", rcpt, "error", err)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/Will-gabia/mailgate/config"
)

var globalLogger *slog.Logger

// Initialize sets up the global logger from configuration. The returned file
// is non-nil only when output names a log file path; the caller owns closing
// it. Output and handler failures fall back to stderr rather than aborting.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := parseLogLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		// AddSource stays off: the wrapper functions would report
		// this file as the caller.
	}

	var handler slog.Handler
	var logFile *os.File

	switch output {
	case "stdout":
		handler = newWriterHandler(os.Stdout, format, opts)
	case "stderr":
		handler = newWriterHandler(os.Stderr, format, opts)
	case "syslog":
		handler = newSyslogOrFallback(format, level, opts)
	default:
		// A file path.
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = newWriterHandler(os.Stderr, format, opts)
		} else {
			logFile = f
			handler = newWriterHandler(f, format, opts)
		}
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func newWriterHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func newSyslogOrFallback(format string, level slog.Level, opts *slog.HandlerOptions) slog.Handler {
	if runtime.GOOS == "windows" {
		fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
		return newWriterHandler(os.Stderr, format, opts)
	}
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "mailgate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
		return newWriterHandler(os.Stderr, format, opts)
	}
	return &syslogHandler{writer: w, level: level}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// syslogHandler adapts syslog.Writer to slog.Handler. Attributes are
// flattened into the message text since syslog has no structured fields.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		kv := make([]any, 0, (len(h.attrs)+r.NumAttrs())*2)
		for _, a := range h.attrs {
			kv = append(kv, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			kv = append(kv, a.Key, a.Value.Any())
			return true
		})
		msg = fmt.Sprintf("%s %v", msg, kv)
	}

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

func (h *syslogHandler) WithGroup(string) slog.Handler {
	// Groups collapse into the flat attribute list.
	return h
}

// Get returns the global logger, or slog's default before Initialize runs.
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Debugf(format string, args ...any) {
	Get().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	Get().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Sync flushes buffered entries. slog handlers write synchronously, so this
// is a no-op kept for the shutdown path's convenience.
func Sync() error {
	return nil
}
