package logger

import (
	"context"
	"sync"
)

// LoggerContext wraps a Logger and accumulates attributes over the course of
// an operation. It lets long-running flows attach identifiers (task id, host,
// session id) as they become known without rebuilding the logger each time.
type LoggerContext struct {
	mu   sync.RWMutex
	base *Logger
}

// NewLoggerContext constructs a LoggerContext around the provided logger.
func NewLoggerContext(base *Logger) *LoggerContext {
	return &LoggerContext{base: base}
}

// Add appends key/value attributes that will be included in every subsequent
// log call made through this context.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.base = lc.base.With(args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger().Debugc(ctx, 4, msg, args...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger().Infoc(ctx, 4, msg, args...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger().Warnc(ctx, 4, msg, args...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger().Errorc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) logger() *Logger {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.base
}
