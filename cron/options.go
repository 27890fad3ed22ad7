package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-orchestrator"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// ParseLogLevel maps a config string to a LogLevel. Unknown values map to
// LogLevelError.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent", "off", "none":
		return LogLevelSilent
	case "info":
		return LogLevelInfo
	case "debug", "trace":
		return LogLevelDebug
	default:
		return LogLevelError
	}
}

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// ParseParser maps a config string to a Parser. Unknown values map to
// DefaultParser.
func ParseParser(name string) Parser {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "standard":
		return StandardParser
	case "seconds":
		return SecondsParser
	default:
		return DefaultParser
	}
}

// Option defines the functional option type for Scheduler
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the logger used for scheduler and job output
func WithLogger(logger orchestrator.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler sets a custom error handler for failed or panicking jobs
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// loggerAdapter adapts orchestrator.Logger to robfig/cron's logger
type loggerAdapter struct {
	logger orchestrator.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...any) {
	if l.level >= LogLevelInfo {
		l.logger.Info("%s%s", msg, formatKeysAndValues(args))
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("%s%s: %v", msg, formatKeysAndValues(args), err)
	}
}

// errorHandlerAdapter routes recovered job panics to the error handler
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf("%s%s", msg, formatKeysAndValues(args)))
}

// robfig/cron logs key/value pairs rather than printf arguments.
func formatKeysAndValues(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}
