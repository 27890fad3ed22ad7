package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-orchestrator"
)

// Config selects the go-logger backend settings.
type Config struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json console text"`
	// Output is stdout, stderr or a file path opened for appending.
	Output string `yaml:"output" json:"output"`
}

// DefaultConfig logs JSON at info level to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: "stdout"}
}

// Adapter exposes a glog.Logger through orchestrator.Logger.
type Adapter struct {
	logger glog.Logger
}

var (
	_ orchestrator.Logger       = Adapter{}
	_ orchestrator.FieldsLogger = Adapter{}
)

// Wrap adapts logger. A nil logger yields the stdout FmtLogger fallback.
func Wrap(logger glog.Logger) orchestrator.Logger {
	if logger == nil {
		return orchestrator.NewFmtLogger(nil)
	}
	return Adapter{logger: logger}
}

// New builds a go-logger backed Logger writing to w. A nil w resolves
// cfg.Output. The text format skips go-logger and writes plain sanitized
// lines through orchestrator.FmtLogger.
func New(cfg Config, w io.Writer) (orchestrator.Logger, error) {
	if w == nil {
		out, err := openOutput(cfg.Output)
		if err != nil {
			return nil, err
		}
		w = out
	}
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "text" {
		return orchestrator.NewFmtLogger(w).WithLevel(level), nil
	}

	var base glog.Logger
	if format == "console" {
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLevel(level))
	} else {
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLoggerTypeJSON(), glog.WithLevel(level))
	}
	return Wrap(base), nil
}

func (l Adapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l Adapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l Adapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l Adapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l Adapter) WithContext(ctx context.Context) orchestrator.Logger {
	if l.logger == nil {
		return orchestrator.NewFmtLogger(nil).WithContext(ctx)
	}
	return Adapter{logger: l.logger.WithContext(ctx)}
}

func (l Adapter) WithFields(fields map[string]any) orchestrator.Logger {
	if l.logger == nil {
		return orchestrator.NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return Adapter{logger: fl.WithFields(fields)}
	}
	return l
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	return f, nil
}
