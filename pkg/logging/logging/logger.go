package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

// prevents differences when adding new constants
const loggerKey ctxKey = iota

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// Config selects the encoder and level of the process logger.
type Config struct {
	Level       string `yaml:"level"`       // debug | info | warn | error
	Development bool   `yaml:"development"` // console encoder with coloured levels
}

// ConfigFromEnv reads ENV and LOG_LEVEL.
func ConfigFromEnv() Config {
	env := os.Getenv("ENV")
	return Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Development: env == "dev" || env == "development",
	}
}

// New builds a zap logger from cfg. An unknown level keeps the encoder default.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config

	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		//to see who calls it
		zcfg.DisableCaller = false
	}

	if cfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
			zcfg.Level = zap.NewAtomicLevelAt(level)
		}
	}

	return zcfg.Build()
}

// Init replaces the process logger. Call it once from main before anything logs.
func Init(cfg Config) (*zap.Logger, error) {
	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defaultLoggerOnce.Do(func() {})
	defaultLogger = logger
	return logger, nil
}

// DefaultLogger returns the process logger, building it from the environment on first use.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		logger, err := New(ConfigFromEnv())
		if err != nil {
			_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
			os.Exit(1)
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// WithLogger attaches a logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or the process logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}

	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	logger := FromContext(ctx).With(fields...)
	return WithLogger(ctx, logger)
}
