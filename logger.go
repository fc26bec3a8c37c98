package qpipe

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with pipeline-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithStage adds a stage field to the logger.
func (l *Logger) WithStage(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("stage", name),
	}
}

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", name),
	}
}

// LogTransfer logs a completed buffer transfer.
func (l *Logger) LogTransfer(ctx context.Context, label string, bytes int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "transfer failed",
			"transfer", label,
			"bytes", bytes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "transfer completed",
			"transfer", label,
			"bytes", bytes,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// LogInvocation logs a completed kernel invocation.
func (l *Logger) LogInvocation(ctx context.Context, stage string, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "invocation failed",
			"stage", stage,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "invocation completed",
			"stage", stage,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// LogHostStep logs a completed host step.
func (l *Logger) LogHostStep(ctx context.Context, label string, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "host step failed",
			"step", label,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "host step completed",
			"step", label,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// LogRun logs a full pipeline run.
func (l *Logger) LogRun(ctx context.Context, ops int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "pipeline run failed",
			"ops", ops,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "pipeline run completed",
			"ops", ops,
			"duration_ms", duration.Milliseconds(),
		)
	}
}
