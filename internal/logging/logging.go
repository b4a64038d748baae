// Package logging builds the process-wide zap logger and a gin access-log
// middleware around it.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given mode. debug=true yields a
// development logger (console encoding, caller info, debug level);
// otherwise a production JSON logger at info level.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	return zap.NewProduction()
}
