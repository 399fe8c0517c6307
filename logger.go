package magsim

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with magsim-specific context.
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

// WithEngine adds an engine field to the logger.
func (l *Logger) WithEngine(kind EngineKind) *Logger {
	return &Logger{
		Logger: l.Logger.With("engine", string(kind)),
	}
}

// WithStorage adds a storage field to the logger.
func (l *Logger) WithStorage(st Storage) *Logger {
	return &Logger{
		Logger: l.Logger.With("storage", string(st)),
	}
}

// WithShape adds rows and cols fields to the logger.
func (l *Logger) WithShape(rows, cols int) *Logger {
	return &Logger{
		Logger: l.Logger.With("rows", rows, "cols", cols),
	}
}

// WithCells adds an active cell count field to the logger.
func (l *Logger) WithCells(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("cells", count),
	}
}

// LogAssembly logs a sensitivity assembly operation.
func (l *Logger) LogAssembly(ctx context.Context, rows, cols int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sensitivity assembly failed",
			"rows", rows,
			"cols", cols,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "sensitivity assembly completed",
			"rows", rows,
			"cols", cols,
			"elapsed", elapsed,
		)
	}
}

// LogForward logs a forward simulation.
func (l *Logger) LogForward(ctx context.Context, nData int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "forward simulation failed",
			"n_data", nData,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "forward simulation completed",
			"n_data", nData,
			"elapsed", elapsed,
		)
	}
}

// LogDiagonal logs a Gauss-Newton diagonal computation.
func (l *Logger) LogDiagonal(ctx context.Context, cached bool, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "diagonal computation failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "diagonal computation completed",
			"cached", cached,
			"elapsed", elapsed,
		)
	}
}

// LogSave logs a sensitivity archive write.
func (l *Logger) LogSave(ctx context.Context, name string, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sensitivity save failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "sensitivity saved",
			"name", name,
			"bytes", bytes,
		)
	}
}

// LogLoad logs a sensitivity archive read.
func (l *Logger) LogLoad(ctx context.Context, name string, rows, cols int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sensitivity load failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "sensitivity loaded",
			"name", name,
			"rows", rows,
			"cols", cols,
		)
	}
}
