// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/flyingchess/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
// Every turn of a game is logged, so sampling is disabled in both formats.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// NewProcessLogger creates the logger of one binary. Every entry carries the
// binary name, the deployment mode and the host name, so logs from a relay and
// the LAN hosts of one session can be told apart once collected.
//
// Precondition: cfg must have passed Validate.
func NewProcessLogger(cfg config.Config, component string) (*zap.Logger, error) {
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logger.With(ProcessFields(cfg.Server, component)...), nil
}

// ProcessFields returns the fields NewProcessLogger attaches. Empty values are omitted.
func ProcessFields(srv config.ServerConfig, component string) []zap.Field {
	fields := []zap.Field{zap.String("component", component)}
	if srv.Mode != "" {
		fields = append(fields, zap.String("mode", srv.Mode))
	}
	if srv.Name != "" {
		fields = append(fields, zap.String("host", srv.Name))
	}
	return fields
}
