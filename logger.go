package boxrelay

import "context"

// Logger provides structured logging hooks.
// *slog.Logger satisfies it directly.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// ErrorTracker receives failures that deserve attention beyond a log line.
type ErrorTracker interface {
	// Capture reports err with optional key/value context.
	Capture(ctx context.Context, err error, args ...any)
}

// LogTracker forwards captured errors to a Logger.
type LogTracker struct {
	Logger Logger
}

// Capture implements ErrorTracker.
func (t LogTracker) Capture(_ context.Context, err error, args ...any) {
	if t.Logger == nil || err == nil {
		return
	}
	t.Logger.Error("boxrelay captured error", append(args, "err", FormatError(err, defaultErrorDepth))...)
}
