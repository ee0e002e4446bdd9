package logger

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap returns a zap logger for libraries which only accept zap, such as
// the gmqtt engine. It logs at the zap equivalent of level.
func Zap(level logrus.Level) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel(level))
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	config.DisableStacktrace = level < logrus.DebugLevel
	return config.Build()
}

func zapLevel(level logrus.Level) zapcore.Level {
	switch level {
	case logrus.PanicLevel:
		return zapcore.PanicLevel
	case logrus.FatalLevel:
		return zapcore.FatalLevel
	case logrus.ErrorLevel:
		return zapcore.ErrorLevel
	case logrus.WarnLevel:
		return zapcore.WarnLevel
	case logrus.InfoLevel:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}
