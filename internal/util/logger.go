package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the process-wide logger. The first call wins; later calls
// return the already-built instance.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		cfg := baseConfig(environment)
		cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
		if format == "json" {
			cfg.Encoding = "json"
		} else {
			cfg.Encoding = "console"
		}

		// Containers collect stdout, so never write to files
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		globalLogger = logger
		zap.ReplaceGlobals(logger)
	})

	return globalLogger
}

func baseConfig(environment string) zap.Config {
	if environment == "production" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		return cfg
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}

// Get returns the global logger, initializing a production default if Init
// has not run yet. That keeps library code and tests safe to log from.
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init("production", "info", "json")
	}
	return globalLogger
}

// Sync flushes buffered entries. Called from factory shutdown.
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Package-level logging shortcuts.

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// Field helpers so call sites do not import zap directly.

func String(key, value string) zap.Field { return zap.String(key, value) }

func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }

func Int(key string, value int) zap.Field { return zap.Int(key, value) }

func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }

// ErrorField wraps an error as a field; Error is taken by the level shortcut.
func ErrorField(err error) zap.Field { return zap.Error(err) }
