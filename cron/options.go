package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/runner"
)

type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression dialect.
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger drama.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogLevel filters what the cron engine itself logs.
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithRetryStrategy sets the pause between injection retries.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(s *Scheduler) {
		s.strategy = strategy
	}
}

// loggerAdapter feeds robfig/cron key/value logging into a drama.Logger.
type loggerAdapter struct {
	logger drama.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Debug("cron: %s%s", msg, formatPairs(keysAndValues))
	} else if l.level >= LogLevelInfo {
		l.logger.Info("cron: %s%s", msg, formatPairs(keysAndValues))
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("cron: %s: %v%s", msg, err, formatPairs(keysAndValues))
	}
}

func formatPairs(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, "%v", kv[i])
		}
	}
	return b.String()
}

// errorHandlerAdapter routes panics recovered by the cron chain to the
// scheduler error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s%s", msg, formatPairs(keysAndValues))
	}
	e.handler(err)
}
