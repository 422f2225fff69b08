package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewLogger creates a Logger from the given configuration. The returned
// closer releases the log file when Output is "file".
func NewLogger(config LogConfig) (Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	switch strings.ToLower(config.Output) {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	case "file":
		if config.FilePath == "" {
			return nil, nil, fmt.Errorf("log output is file but no file_path is set")
		}
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", config.Output)
	}

	if strings.ToLower(config.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if config.IncludeCaller {
		ctx = ctx.CallerWithSkipFrameCount(3)
	}

	return &ZerologLogger{logger: ctx.Logger()}, closer, nil
}

// NewWriterLogger creates a JSON logger writing to w at the given level.
func NewWriterLogger(w io.Writer, level string) Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &ZerologLogger{logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &ZerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a config level name onto a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	l.log(zerolog.DebugLevel, msg, fields)
}

func (l *ZerologLogger) Info(msg string, fields ...Field) {
	l.log(zerolog.InfoLevel, msg, fields)
}

func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	l.log(zerolog.WarnLevel, msg, fields)
}

func (l *ZerologLogger) Error(msg string, fields ...Field) {
	l.log(zerolog.ErrorLevel, msg, fields)
}

func (l *ZerologLogger) WithFields(fields ...Field) Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{logger: ctx.Logger()}
}

func (l *ZerologLogger) WithContext(ctx context.Context) Logger {
	logger := l.logger
	if id := ExecutionIDFromContext(ctx); id != "" {
		logger = logger.With().Str("execution_id", id).Logger()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}
	return &ZerologLogger{logger: logger}
}

func (l *ZerologLogger) LogExecution(workflowName string, executionID string, event string, data map[string]interface{}) {
	e := l.logger.Info().
		Str("workflow", workflowName).
		Str("execution_id", executionID).
		Str("event", event)
	for k, v := range data {
		e = e.Interface(k, v)
	}
	e.Msg("execution event")
}

func (l *ZerologLogger) LogStep(workflowName string, executionID string, stepName string, event string, data map[string]interface{}) {
	e := l.logger.Debug().
		Str("workflow", workflowName).
		Str("execution_id", executionID).
		Str("step", stepName).
		Str("event", event)
	for k, v := range data {
		e = e.Interface(k, v)
	}
	e.Msg("step event")
}

func (l *ZerologLogger) LogSystemEvent(event string, data map[string]interface{}) {
	e := l.logger.Info().Str("event", event)
	for k, v := range data {
		e = e.Interface(k, v)
	}
	e.Msg("system event")
}

func (l *ZerologLogger) log(level zerolog.Level, msg string, fields []Field) {
	event := l.logger.WithLevel(level)
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
