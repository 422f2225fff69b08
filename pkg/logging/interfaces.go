// Package logging provides structured logging functionality.
package logging

import (
	"context"
)

// Logger provides structured logging
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, fields ...Field)

	// Info logs an info message
	Info(msg string, fields ...Field)

	// Warn logs a warning message
	Warn(msg string, fields ...Field)

	// Error logs an error message
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with the given fields
	WithFields(fields ...Field) Logger

	// WithContext returns a new logger carrying the execution and request
	// identifiers stored in ctx
	WithContext(ctx context.Context) Logger

	// LogExecution records workflow execution events
	LogExecution(workflowName string, executionID string, event string, data map[string]interface{})

	// LogStep records step execution events
	LogStep(workflowName string, executionID string, stepName string, event string, data map[string]interface{})

	// LogSystemEvent records system-level events
	LogSystemEvent(event string, data map[string]interface{})
}

// Field represents a key-value pair in a log entry
type Field struct {
	// Key is the field name
	Key string

	// Value is the field value
	Value interface{}
}

// F builds a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional "error" field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// LogConfig contains configuration for the logger
type LogConfig struct {
	// Level is the minimum log level to output
	Level string `json:"level" mapstructure:"level"`

	// Format is the log format ("json" or "console")
	Format string `json:"format" mapstructure:"format"`

	// Output is where logs are written ("stdout", "stderr" or "file")
	Output string `json:"output" mapstructure:"output"`

	// FilePath is the path to the log file (if Output is "file")
	FilePath string `json:"file_path,omitempty" mapstructure:"file_path"`

	// IncludeCaller indicates whether to include caller information
	IncludeCaller bool `json:"include_caller" mapstructure:"include_caller"`
}

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	requestIDKey   contextKey = "request_id"
)

// WithExecutionID stores an execution id for WithContext to pick up.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithRequestID stores an HTTP request id for WithContext to pick up.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ExecutionIDFromContext returns the execution id stored in ctx, if any.
func ExecutionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(executionIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
