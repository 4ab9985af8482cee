// Package logger provides the process-wide structured logger for masc.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the package-level structured logger. It is safe to use before
// Initialize runs (a no-op logger is installed at package load) so that
// early startup code never needs a nil check.
var Logger = zap.NewNop().Sugar()

// JSONOutput reports whether the current logger was configured for JSON.
var JSONOutput bool

// Initialize installs the process logger. jsonOutput selects
// zap.NewProductionConfig() for machine-readable output (suitable for a
// supervised process writing to a log aggregator); otherwise a minimal,
// human-readable console encoder is used for interactive / local runs.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = cfg.Build()
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child logger scoped to the given component name, the way
// each supervisor and subsystem tags its log lines.
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

// Sync flushes any buffered log entries. Errors from Sync on stdout/stderr
// are often ignorable (EINVAL on some platforms), callers may discard them.
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
