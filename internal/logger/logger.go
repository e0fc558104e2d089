// Package logger holds the process-wide structured logger.
//
// The logger starts as a no-op so packages can log before main configures it
// (and so tests stay quiet unless they install their own via Set).
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names used across pipeline logs.
const (
	FieldPipelineID = "pipeline_id"
	FieldRunID      = "run_id"
	FieldStage      = "stage"
	FieldStatus     = "status"
	FieldPath       = "path"
	FieldFormat     = "format"
	FieldRows       = "rows"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
)

// Logger is the global logger instance.
var Logger *zap.SugaredLogger

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize configures the global logger.
//
// jsonOutput selects the production JSON encoder (for schedulers that ship logs);
// otherwise a console encoder writes to stderr. verbose lowers the level to debug.
func Initialize(jsonOutput, verbose bool) error {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stderr"}
		z, err := cfg.Build()
		if err != nil {
			return err
		}
		Logger = z.Sugar()
		return nil
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	z := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level,
	))
	Logger = z.Sugar()
	return nil
}

// Set replaces the global logger (tests use zaptest loggers).
func Set(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	Logger = l
}

// Named returns a child of the global logger scoped to a component.
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

// Sync flushes buffered log entries; errors are ignored because stderr sync
// fails on some terminals.
func Sync() {
	_ = Logger.Sync()
}
