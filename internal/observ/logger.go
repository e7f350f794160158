package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName tags every log line the gateway writes.
const ServiceName = "campus"

// NewLogger creates a structured logger based on environment. Production
// gets JSON with ISO8601 timestamps; anything else gets the colored console
// encoder. An unparsable level falls back to info.
func NewLogger(env, level string) (*zap.Logger, error) {
	config := buildConfig(env, level)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("service", ServiceName),
		zap.String("env", env),
	), nil
}

func buildConfig(env, level string) zap.Config {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config
}
