package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is what the engine logs through. There is no Fatal: nothing in the
// engine stops the process on its own.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// leadingFields print first and in this order so the lines of one
// execution read alike. Other fields follow sorted by key.
var leadingFields = []string{"correlation_id", "execution_id", "step_key", "attempt", "worker_id"}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// FmtLogger is the plain text fallback used when no go-logger backend is
// configured. Messages go through SanitizeMessage before they are written.
type FmtLogger struct {
	out    io.Writer
	mu     *sync.Mutex
	min    logLevel
	fields map[string]any
}

// NewFmtLogger writes to out, or stdout when out is nil, at debug level.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, mu: &sync.Mutex{}}
}

// WithLevel returns a copy that drops lines below level. Unknown levels
// keep every line.
func (l *FmtLogger) WithLevel(level string) *FmtLogger {
	cp := *l.orDefault()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		cp.min = levelInfo
	case "warn", "warning":
		cp.min = levelWarn
	case "error":
		cp.min = levelError
	default:
		cp.min = levelDebug
	}
	return &cp
}

func (l *FmtLogger) Debug(msg string, args ...any) { l.write(levelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(levelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(levelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(levelError, msg, args) }

// WithContext returns l; the fallback carries nothing from ctx.
func (l *FmtLogger) WithContext(context.Context) Logger {
	return l.orDefault()
}

// WithFields returns a copy carrying fields on top of the current ones.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	cp.fields = MergeFields(cp.fields, fields)
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	return l
}

func (l *FmtLogger) write(level logLevel, msg string, args []any) {
	l = l.orDefault()
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", time.Now().UTC().Format(time.RFC3339Nano), levelNames[level], SanitizeMessage(msg))
	appendFields(&b, l.fields)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

func appendFields(b *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	seen := make(map[string]bool, len(leadingFields))
	for _, k := range leadingFields {
		if v, ok := fields[k]; ok {
			fmt.Fprintf(b, " %s=%v", k, v)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(b, " %s=%v", k, fields[k])
	}
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)                 {}
func (NopLogger) Info(string, ...any)                  {}
func (NopLogger) Warn(string, ...any)                  {}
func (NopLogger) Error(string, ...any)                 {}
func (n NopLogger) WithContext(context.Context) Logger { return n }

// NormalizeLogger returns logger or a stdout FmtLogger when nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// MergeFields returns a new map holding a overlaid with b.
func MergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
