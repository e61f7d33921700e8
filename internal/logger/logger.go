package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/amerfu/tokengate/internal/config"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder

	if cfg.Format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	level := parseLevel(cfg.Level)

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		// File output rotates via lumberjack.
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	Logger = logger
	Sugar = logger.Sugar()

	return logger, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func Get() *zap.Logger {
	if Logger == nil {
		logger, _ := zap.NewProduction()
		Logger = logger
		Sugar = logger.Sugar()
	}
	return Logger
}

func GetSugar() *zap.SugaredLogger {
	if Sugar == nil {
		Get()
	}
	return Sugar
}

func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

func NewRequestLogger(requestID string) *zap.Logger {
	return Get().With(zap.String("request_id", requestID))
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// GormLogger adapts zap to gorm's Printf-style logger interface.
type GormLogger struct {
	ZapLogger *zap.Logger
}

func NewGormLogger(zapLogger *zap.Logger) *GormLogger {
	return &GormLogger{
		ZapLogger: zapLogger,
	}
}

func (l *GormLogger) Printf(format string, args ...interface{}) {
	l.ZapLogger.Sugar().Debugf(format, args...)
}

func init() {
	if Logger == nil {
		var logger *zap.Logger
		if os.Getenv("ENV") == "production" {
			logger, _ = zap.NewProduction()
		} else {
			logger, _ = zap.NewDevelopment()
		}
		Logger = logger
		Sugar = logger.Sugar()
	}
}
