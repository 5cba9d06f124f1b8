// Package logging provides a process-wide structured logger for the
// relay, worker pool, reaper, and client.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger  *zap.Logger
	sugar   *zap.SugaredLogger
	once    sync.Once
	initErr error
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func initLogger() {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.DisableStacktrace = true
		cfg.DisableCaller = true
		cfg.Level = level

		var err error
		logger, err = cfg.Build()
		if err != nil {
			logger = zap.NewNop()
			initErr = err
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
		}
		sugar = logger.Sugar()
	})
}

// SetLevel sets the minimum logged level. verbosity: 0=info, 1=debug, 2+=debug.
func SetLevel(verbosity int) {
	initLogger()
	if verbosity <= 0 {
		level.SetLevel(zapcore.InfoLevel)
		return
	}
	level.SetLevel(zapcore.DebugLevel)
}

// Quiet silences everything below Error, used by the client's -q/--quiet flag.
func Quiet() {
	initLogger()
	level.SetLevel(zapcore.ErrorLevel)
}

func GetLogger() *zap.Logger {
	initLogger()
	return logger
}

func Sync() {
	initLogger()
	_ = logger.Sync()
}

func InitError() error {
	initLogger()
	return initErr
}

func Info(msg string, fields ...zap.Field) {
	initLogger()
	logger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	initLogger()
	logger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	initLogger()
	logger.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	initLogger()
	logger.Debug(msg, fields...)
}

func Infof(template string, args ...interface{}) {
	initLogger()
	sugar.Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	initLogger()
	sugar.Warnf(template, args...)
}
