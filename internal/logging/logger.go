// Package logging writes one JSON object per line. Every entry carries the
// service name, and refresh runs and keepalive cycles add a correlation id
// so their lines can be grouped.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel is the configured or emitted severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	// LevelOff suppresses every entry.
	LevelOff LogLevel = "off"
)

func (lv LogLevel) rank() int {
	switch lv {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelOff:
		return 4
	}
	return 1
}

// ParseLevel reads a level from config or an environment variable.
// Anything unrecognised means info.
func ParseLevel(raw string) LogLevel {
	switch lv := LogLevel(strings.ToLower(strings.TrimSpace(raw))); lv {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelOff:
		return lv
	case "warning":
		return LevelWarn
	}
	return LevelInfo
}

const correlationField = "correlation_id"

// writer is shared by a logger and every child derived from it.
type writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

func (w *writer) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		w.enc = json.NewEncoder(w.w)
		w.enc.SetEscapeHTML(false)
	}
	return w.enc.Encode(v)
}

// Logger is a leveled JSON logger. The zero value is not usable; build one
// with NewLogger or Nop.
type Logger struct {
	out     *writer
	min     LogLevel
	service string
	bound   map[string]any
}

// LoggerOption configures NewLogger.
type LoggerOption func(*Logger)

// WithOutput redirects entries away from stderr.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) { l.out = &writer{w: w} }
}

// WithLevel sets the lowest level that is written.
func WithLevel(level LogLevel) LoggerOption {
	return func(l *Logger) { l.min = level }
}

func WithService(service string) LoggerOption {
	return func(l *Logger) { l.service = service }
}

// NewLogger returns an info-level logger writing to stderr unless
// overridden.
func NewLogger(opts ...LoggerOption) *Logger {
	l := &Logger{
		out:     &writer{w: os.Stderr},
		min:     LevelInfo,
		service: "quotabar",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Nop discards everything. Tests and short-lived helpers use it.
func Nop() *Logger {
	return NewLogger(WithOutput(io.Discard), WithLevel(LevelOff))
}

// With binds key/value pairs to every entry of the returned child. A key
// repeated at the call site overrides the bound value.
func (l *Logger) With(kv ...any) *Logger {
	_, extra := pairs(kv)
	bound := make(map[string]any, len(l.bound)+len(extra))
	for k, v := range l.bound {
		bound[k] = v
	}
	for k, v := range extra {
		bound[k] = v
	}
	return &Logger{out: l.out, min: l.min, service: l.service, bound: bound}
}

func (l *Logger) Level() LogLevel { return l.min }

func (l *Logger) Enabled(level LogLevel) bool {
	return l.min != LevelOff && level.rank() >= l.min.rank()
}

type entry struct {
	Time          string         `json:"timestamp"`
	Level         LogLevel       `json:"level"`
	Service       string         `json:"service"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

func (l *Logger) emit(level LogLevel, cid, msg string, kv []any) {
	if !l.Enabled(level) {
		return
	}
	inline, fields := pairs(kv)
	if cid == "" {
		cid = inline
	}
	if len(l.bound) > 0 {
		merged := make(map[string]any, len(l.bound)+len(fields))
		for k, v := range l.bound {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}
	if len(fields) == 0 {
		fields = nil
	}

	e := entry{
		Time:          time.Now().UTC().Format(time.RFC3339Nano),
		Level:         level,
		Service:       l.service,
		Message:       msg,
		CorrelationID: cid,
		Fields:        fields,
	}
	if err := l.out.write(e); err != nil {
		// An unencodable field drops the entry, not the process.
		fmt.Fprintf(os.Stderr, "logging: dropped %q: %v\n", msg, err)
	}
}

func (l *Logger) Debug(msg string, kv ...any) { l.emit(LevelDebug, "", msg, kv) }

func (l *Logger) Info(msg string, kv ...any) { l.emit(LevelInfo, "", msg, kv) }

func (l *Logger) Warn(msg string, kv ...any) { l.emit(LevelWarn, "", msg, kv) }

func (l *Logger) Error(msg string, kv ...any) { l.emit(LevelError, "", msg, kv) }

// The WithContext variants take the correlation id from ctx.

func (l *Logger) DebugWithContext(ctx context.Context, msg string, kv ...any) {
	l.emit(LevelDebug, GetCorrelationID(ctx), msg, kv)
}

func (l *Logger) InfoWithContext(ctx context.Context, msg string, kv ...any) {
	l.emit(LevelInfo, GetCorrelationID(ctx), msg, kv)
}

func (l *Logger) WarnWithContext(ctx context.Context, msg string, kv ...any) {
	l.emit(LevelWarn, GetCorrelationID(ctx), msg, kv)
}

func (l *Logger) ErrorWithContext(ctx context.Context, msg string, kv ...any) {
	l.emit(LevelError, GetCorrelationID(ctx), msg, kv)
}

// pairs turns alternating key/value arguments into a field map. A
// correlation_id pair is lifted out of the map. Non-string keys and a
// trailing key without a value are skipped.
func pairs(kv []any) (string, map[string]any) {
	var cid string
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if key == correlationField {
			if s, ok := kv[i+1].(string); ok {
				cid = s
			}
			continue
		}
		fields[key] = render(kv[i+1])
	}
	return cid, fields
}

// render keeps values readable once encoded: errors and durations become
// their strings.
func render(v any) any {
	switch x := v.(type) {
	case error:
		return x.Error()
	case time.Duration:
		return x.String()
	}
	return v
}
