package logger

import (
	gommonlog "github.com/labstack/gommon/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()

// ParseLevel maps a config level to a zap level; unknown values fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// GommonLevel maps the same config level for echo's gommon logger.
func GommonLevel(level string) gommonlog.Lvl {
	switch ParseLevel(level) {
	case zap.DebugLevel:
		return gommonlog.DEBUG
	case zap.WarnLevel:
		return gommonlog.WARN
	case zap.ErrorLevel:
		return gommonlog.ERROR
	default:
		return gommonlog.INFO
	}
}

// Init initializes global logger with level from config
func Init(level string) *zap.Logger {
	cfg := zap.Config{
		Encoding:         "json", // or "console"
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewProductionEncoderConfig(),
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Log = l
	gommonlog.SetLevel(GommonLevel(level))
	return l
}
