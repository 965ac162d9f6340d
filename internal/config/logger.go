package config

import (
	"fmt"
	"strings"

	types "SkyCount/pkg"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the service logger from the logging section.
func NewLogger(cfg types.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if strings.ToLower(cfg.Level) == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output == "file" {
		zcfg.OutputPaths = []string{cfg.FilePath}
		zcfg.ErrorOutputPaths = []string{cfg.FilePath}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
