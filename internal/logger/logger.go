// Package logger provides context-carried structured logging on top of zap.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DevelopmentEnvironment logs human-readable console lines at debug level.
	DevelopmentEnvironment = "development"
	// ProductionEnvironment logs JSON at info level.
	ProductionEnvironment = "production"
)

var defaultLogger = zap.NewNop() //nolint: gochecknoglobals

// Setup initializes the default logger for the given environment.
func Setup(environment string) error {
	var (
		l   *zap.Logger
		err error
	)
	if environment == ProductionEnvironment {
		l, err = zap.NewProduction()
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
		l, err = cfg.Build()
	}
	if err != nil {
		return err
	}

	defaultLogger = l
	return nil
}

// Sync flushes the default logger.
func Sync() {
	_ = defaultLogger.Sync()
}

type key struct{}

// Get retrieves the logger stored in ctx, falling back to the default logger.
func Get(ctx context.Context) *zap.Logger {
	if l, _ := ctx.Value(key{}).(*zap.Logger); l != nil {
		return l
	}

	return defaultLogger
}

func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, key{}, l)
}

// WithFields returns a context whose logger carries the given fields.
func WithFields(ctx context.Context, fields ...zapcore.Field) context.Context {
	return WithLogger(ctx, Get(ctx).With(fields...))
}

func Debug(ctx context.Context, msg string, fields ...zapcore.Field) {
	Get(ctx).Debug(msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zapcore.Field) {
	Get(ctx).Info(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zapcore.Field) {
	Get(ctx).Warn(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zapcore.Field) {
	Get(ctx).Error(msg, fields...)
}
