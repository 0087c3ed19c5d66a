//go:build linux

package main

import (
	"io"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger returns a console logger on output. Warnings are always written;
// debug messages only when debug is set.
func newLogger(output io.Writer, debug bool) *zap.Logger {
	level := zapcore.WarnLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	encoderConfig.CallerKey = ""

	if isTerminal(output) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(output), level)

	return zap.New(core).Named("yolo")
}

func nopLogger() *zap.Logger {
	return zap.NewNop()
}

// debugFromEnv reports whether YOLO_DEBUG asks for debug output.
func debugFromEnv(env map[string]string) bool {
	enabled, err := strconv.ParseBool(env["YOLO_DEBUG"])

	return err == nil && enabled
}

// logConfig records where the effective configuration came from.
func logConfig(logger *zap.Logger, cfg *Config) {
	logger.Debug("config loaded",
		zap.String("cwd", cfg.EffectiveCwd),
		zap.Strings("files", cfg.LoadedFiles),
		zap.String("profile", cfg.Profile),
		zap.String("store", cfg.Store),
		zap.String("stateDir", cfg.StateDir),
	)

	if cfg.Profile == "" {
		logger.Debug("no sandbox profile configured; PATH has only the configured entries")
	}
}

// sandboxWarnf adapts logger to the sandbox library's warning hook.
func sandboxWarnf(logger *zap.Logger) func(string, ...any) {
	return logger.Sugar().Warnf
}

// sandboxDebugf adapts logger to the sandbox library's debug hook.
func sandboxDebugf(logger *zap.Logger) func(string, ...any) {
	if logger.Core().Enabled(zapcore.DebugLevel) {
		return logger.Sugar().Debugf
	}

	return nil
}
