// Package logger builds the application's zap logger.
//
// Every binary (server, worker, producer) logs through the same constructor,
// so entries carry a "process" field naming the binary that wrote them.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dontdude/coderun/internal/config"
)

// Option adjusts the zap configuration before the logger is built.
type Option func(*zap.Config)

// WithSampling keeps zap's production sampling. It is off by default:
// sampled-out lines would hide individual sessions during a burst.
func WithSampling(enabled bool) Option {
	return func(cfg *zap.Config) {
		if enabled {
			cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		} else {
			cfg.Sampling = nil
		}
	}
}

// WithFields attaches fields to every entry.
func WithFields(fields map[string]any) Option {
	return func(cfg *zap.Config) {
		if cfg.InitialFields == nil {
			cfg.InitialFields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			cfg.InitialFields[k] = v
		}
	}
}

// NewFromConfig builds the logger described by the logging section.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level,
		WithSampling(cfg.Logging.Sampling),
		WithFields(map[string]any{"process": filepath.Base(os.Args[0])}),
	)
}

// New creates a new logger instance based on configuration
func New(mode, level string, opts ...Option) (*zap.Logger, error) {
	cfg, err := buildConfig(mode, level, opts...)
	if err != nil {
		return nil, err
	}
	return cfg.Build()
}

func buildConfig(mode, level string, opts ...Option) (zap.Config, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
		cfg.Sampling = nil
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return zap.Config{}, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
