// Package logging builds the structured logger shared by every engine
// component. Diagnostic logging goes through here; the CLI's own
// success/failure messages are printed directly to stdout/stderr instead
// (see cmd/gossip), matching the split the teacher draws between its
// debug log file and its user-facing fmt.Fprintf lines.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger whose level is taken from the GOSSIP_LOG_LEVEL
// environment variable (debug|info|warn|error, default info), per spec §6
// "a log-level filter variable controls verbosity".
func New() *zap.Logger {
	level := parseLevel(os.Getenv("GOSSIP_LOG_LEVEL"))

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crash the engine over
		// a logging misconfiguration.
		return zap.NewNop()
	}
	return logger
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// RelayField is a convenience so every component tags relay-scoped log
// lines the same way ("relay": url).
func RelayField(url string) zap.Field { return zap.String("relay", url) }
