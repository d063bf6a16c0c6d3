// Package logging builds zap loggers from engine configuration.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/copyleftdev/ascent/config"
)

// New constructs a *zap.Logger for the given configuration. Format "json"
// produces machine-readable output, "console" a human-readable one. Output is
// "stderr", "stdout", or a file path.
func New(cfg config.Logging) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc.Encoding = "json"
	case "console", "text":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	switch cfg.Output {
	case "", "stderr":
		zc.OutputPaths = []string{"stderr"}
	case "stdout":
		zc.OutputPaths = []string{"stdout"}
	default:
		zc.OutputPaths = []string{cfg.Output}
	}
	zc.ErrorOutputPaths = zc.OutputPaths

	return zc.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", level)
	}
}
