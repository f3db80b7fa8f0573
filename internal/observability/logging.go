package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with run correlation and sensitive-data redaction.
//
// Fields extracted from the context (run id, owner id, worker id, trace id)
// are attached to every record so one run's lines can be isolated in
// aggregate logs.
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behaviour.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (production default) or "text".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are additional regexes applied on top of the default
	// secret patterns.
	RedactPatterns []string
}

// ContextKey is the type for context keys carrying correlation fields.
type ContextKey string

const (
	// RunIDKey carries the run public id.
	RunIDKey ContextKey = "run_id"

	// OwnerIDKey carries the acting owner id.
	OwnerIDKey ContextKey = "owner_id"

	// WorkerIDKey carries the worker id inside worker runtimes.
	WorkerIDKey ContextKey = "worker_id"

	// TraceIDKey carries the run trace id.
	TraceIDKey ContextKey = "trace_id"
)

// DefaultRedactPatterns covers the secret shapes most likely to leak through
// tool arguments, git remote URLs and provider errors.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`ghp_[a-zA-Z0-9]{20,}`,
	`github_pat_[a-zA-Z0-9_]{20,}`,
	`gho_[a-zA-Z0-9]{20,}`,
	`glpat-[a-zA-Z0-9_-]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`AIza[a-zA-Z0-9_-]{35}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger creates a structured logger. Empty config fields fall back to
// info level, JSON format and stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger with additional fixed key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+8)
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	if ownerID, ok := ctx.Value(OwnerIDKey).(int64); ok && ownerID != 0 {
		attrs = append(attrs, "owner_id", ownerID)
	}
	if workerID, ok := ctx.Value(WorkerIDKey).(string); ok && workerID != "" {
		attrs = append(attrs, "worker_id", workerID)
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, "trace_id", traceID)
	}

	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = l.redactValue(item)
		}
		return out
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// MarshalAttr renders v as a redacted JSON string for log attachment. Used
// for payload previews where structure matters less than greppability.
func (l *Logger) MarshalAttr(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unserialisable>"
	}
	return l.redactString(string(b))
}

// Nop returns a logger that discards everything. Tests use it to silence
// components under test.
func Nop() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// WithRunID returns a context carrying the run public id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithOwnerID returns a context carrying the acting owner id.
func WithOwnerID(ctx context.Context, ownerID int64) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// WithWorkerID returns a context carrying the worker id.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// WithTraceID returns a context carrying the run trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// RunIDFrom returns the run public id from the context, or "".
func RunIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(RunIDKey).(string); ok {
		return v
	}
	return ""
}

// WorkerIDFrom returns the worker id from the context, or "".
func WorkerIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(WorkerIDKey).(string); ok {
		return v
	}
	return ""
}
