// Package logging constructs the zap loggers used across foreman. The CLI
// logs human-readable lines to stderr; the daemon additionally mirrors
// structured JSON into .foreman/logs/foreman.log so failures survive the
// terminal session.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/The-Foreman/internal/config"
)

func consoleEncoder() zapcore.Encoder {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderCfg)
}

func level(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// New returns a console logger writing to stderr.
func New(debug bool) *zap.Logger {
	core := zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level(debug))
	return zap.New(core)
}

// NewFileLogger returns a logger that writes console lines to stderr and
// JSON records to .foreman/logs/foreman.log under the given project dir.
func NewFileLogger(projectDir string, debug bool) (*zap.Logger, error) {
	logDir := filepath.Join(projectDir, config.ForemanDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "foreman.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	jsonCfg := zap.NewProductionEncoderConfig()
	jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level(debug)),
		zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(file), level(debug)),
	)
	return zap.New(core), nil
}
