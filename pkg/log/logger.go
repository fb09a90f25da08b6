// Package log wraps log/slog with the fields and helpers the pool services
// share.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger is a slog.Logger that remembers which service produced it.
type Logger struct {
	*slog.Logger
	service string
}

// New builds a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter builds a logger writing to w. format is "json" or "text";
// anything else falls back to JSON.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
	}
}

// Nop returns a logger that discards everything. Tests use it.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), service: "nop"}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithFields returns a child logger carrying the given key/value pairs.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...), service: l.service}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner tags records with a miner username.
func (l *Logger) WithMiner(username string) *Logger {
	return l.WithFields("miner", username)
}

// WithJob tags records with a job id.
func (l *Logger) WithJob(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithError attaches err, or returns l unchanged when err is nil.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration records how long an operation took.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection records a connection lifecycle event.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage records raw protocol traffic at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission records the server-side verdict on a share.
func (l *Logger) LogShareSubmission(worker, jobID string, valid bool) {
	status := "rejected"
	if valid {
		status = "accepted"
	}
	l.Info("share submission",
		"worker", worker,
		"job_id", jobID,
		"status", status,
	)
}

// LogBlockEvent records an incoming new-block notification.
func (l *Logger) LogBlockEvent(hash string, difficulty float64) {
	l.Info("block event",
		"block_hash", hash,
		"difficulty", difficulty,
	)
}

// LogJobDistribution records a job being pushed to connected miners.
func (l *Logger) LogJobDistribution(jobID string, sessions int) {
	l.Info("job distributed",
		"job_id", jobID,
		"sessions", sessions,
	)
}
