package server

import (
	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/pkg/logger"
)

// InitLogger installs the process logger described by cfg.
func InitLogger(cfg *config.LoggingConfig) {
	logger.Init(&logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}
