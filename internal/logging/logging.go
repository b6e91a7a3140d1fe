// Package logging builds the process zap logger and adapts it to boxrelay.Logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/boxrelay"
)

// New builds a zap logger for level (debug, info, warn, error) and format (json, console).
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format: unknown %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Zap adapts a zap logger to boxrelay.Logger. Key/value pairs become structured fields.
type Zap struct {
	s *zap.SugaredLogger
}

var _ boxrelay.Logger = Zap{}

// NewZap wraps logger.
func NewZap(logger *zap.Logger) Zap {
	return Zap{s: logger.Sugar()}
}

// Debug implements boxrelay.Logger.
func (z Zap) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }

// Info implements boxrelay.Logger.
func (z Zap) Info(msg string, args ...any) { z.s.Infow(msg, args...) }

// Warn implements boxrelay.Logger.
func (z Zap) Warn(msg string, args ...any) { z.s.Warnw(msg, args...) }

// Error implements boxrelay.Logger.
func (z Zap) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }

// With returns a logger that adds args to every line.
func (z Zap) With(args ...any) Zap {
	return Zap{s: z.s.With(args...)}
}
