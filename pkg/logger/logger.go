// Package logger provides the process-wide zap logger.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var std *zap.SugaredLogger

func init() {
	std = build("info").Sugar()
}

// build constructs a production zap logger at the given level.
// Unknown levels fall back to info.
func build(logLevel string) *zap.Logger {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(logLevel); err == nil {
		level = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewProductionConfig only fails on invalid output paths,
		// which we never set. Fall back to a no-op logger regardless.
		return zap.NewNop()
	}
	return log
}

// SetGlobalLogLevel reconfigures the global logger's level.
// logLevel is one of "debug", "info", "warn", "error".
func SetGlobalLogLevel(logLevel string) {
	std = build(logLevel).Sugar()
}

// L returns a named *zap.Logger for injection into components that
// take a structured logger directly.
func L(name string) *zap.Logger {
	return std.Desugar().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return std.Sync()
}

// Debug logs a debug message using the global logger.
func Debug(args ...interface{}) { std.Debug(args...) }

// Debugf logs a debug message with formatting.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Info logs an informational message using the global logger.
func Info(args ...interface{}) { std.Info(args...) }

// Infof logs an informational message with formatting.
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Warnf logs a warning message with formatting.
func Warnf(format string, args ...interface{}) { std.Warnf(format, args...) }

// Error logs an error message.
func Error(args ...interface{}) { std.Error(args...) }

// Errorf logs an error message with formatting.
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// Fatal logs a fatal error message and exits.
func Fatal(args ...interface{}) { std.Fatal(args...) }

// Fatalf logs a fatal error message with formatting and exits.
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
