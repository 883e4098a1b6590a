package storage

import (
	"fmt"

	"github.com/arkeep/arkeep/internal/logger"
)

// NewStore creates a store based on configuration
func NewStore(cfg Config, log logger.Logger) (Store, error) {
	switch cfg.Type {
	case "memory":
		log.Info("Using in-memory storage")
		return NewMemoryStore(), nil
	case "badger":
		log.Info("Using BadgerDB storage",
			logger.String("data_dir", cfg.DataDir),
			logger.Bool("sync_writes", cfg.SyncWrites))
		return NewBadgerStore(cfg.DataDir, cfg.SyncWrites, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
