// Package wslog builds the zap logger used across the proxy: one process
// logger configured from the --log-level flag, and one child logger per
// channel tagged with its id.
package wslog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps the CLI's --log-level values (debug, info, warn, error) to
// a zapcore.Level, matching the level set offered by the original wstcp
// CLI's --log-level flag.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
}

// New builds a process-wide logger that writes leveled, human-readable
// lines to stderr.
func New(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// ForChannel returns a child logger tagged with the channel's id, so every
// log line emitted while driving one connection can be grepped together.
func ForChannel(base *zap.Logger, channelID string) *zap.Logger {
	return base.With(zap.String("channel_id", channelID))
}
