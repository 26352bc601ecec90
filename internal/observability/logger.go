// Package observability owns the process-wide zap loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger writes human-oriented diagnostics for interactive commands.
	CLILogger = zap.NewNop()

	// ServerLogger is used by long-running processes: the aggregator and
	// download workers.
	ServerLogger = zap.NewNop()
)

// NewLogger builds a logger writing to ws. profile selects JSON
// ("structured") or human-readable ("console") encoding.
func NewLogger(service, level, profile string, ws zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	case ProfileConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		ec.CallerKey = zapcore.OmitKey
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log profile %q", profile)
	}

	logger := zap.New(zapcore.NewCore(enc, ws, lvl), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// InitServerLogger replaces ServerLogger with a stderr logger.
func InitServerLogger(service, level, profile string) error {
	logger, err := NewLogger(service, level, profile, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// InitCLILogger replaces CLILogger with a terse console logger on stderr.
func InitCLILogger(service string, verbose bool) {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.TimeKey = zapcore.OmitKey
	ec.CallerKey = zapcore.OmitKey
	ec.NameKey = zapcore.OmitKey
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder

	lvl := zapcore.InfoLevel
	if verbose {
		lvl = zapcore.DebugLevel
	}
	logger := zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.Lock(os.Stderr), lvl))
	if service != "" {
		logger = logger.Named(service)
	}
	CLILogger = logger
}

// Sync flushes both loggers. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
