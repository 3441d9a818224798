// Package logging builds the zap loggers used across gadugi.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a production logger writing structured JSON to stderr.
// With debug enabled it switches to the development config: console
// encoding, DebugLevel, and stack traces on warnings.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// CLI output goes to stdout; keep stack traces out of normal operation.
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// NewNop returns a no-op logger for tests and optional components.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
