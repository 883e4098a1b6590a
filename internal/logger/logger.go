package logger

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is an alias for zap.Field so callers never import zap directly.
type Field = zap.Field

// Logger is the structured logging interface used across arkeep.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithRequest(requestID string) Logger
	WithFields(fields ...Field) Logger
}

type zapLogger struct {
	logger *zap.Logger
}

// ParseLevel parses a level string, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a zap-backed logger. Format is "json" or "text".
func New(level zapcore.Level, format string) Logger {
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{logger: logger}
}

// NewFromConfig creates a logger from string configuration.
func NewFromConfig(level, format string) Logger {
	return New(ParseLevel(level), format)
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, fields...) }

func (l *zapLogger) WithRequest(requestID string) Logger {
	return l.WithFields(zap.String("request_id", requestID))
}

func (l *zapLogger) WithFields(fields ...Field) Logger {
	return &zapLogger{logger: l.logger.With(fields...)}
}

// Field constructors re-exported for callers.
func String(key, value string) Field { return zap.String(key, value) }
func Int(key string, value int) Field { return zap.Int(key, value) }
func Int64(key string, value int64) Field { return zap.Int64(key, value) }
func Uint64(key string, value uint64) Field { return zap.Uint64(key, value) }
func Bool(key string, value bool) Field { return zap.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Error(err error) Field { return zap.Error(err) }

var defaultLogger Logger = NewFromConfig("info", "text")

// SetDefault sets the process-wide default logger.
func SetDefault(l Logger) {
	defaultLogger = l
}

// GetDefault returns the process-wide default logger.
func GetDefault() Logger {
	return defaultLogger
}
