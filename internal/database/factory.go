package database

import (
	"fmt"
	"path/filepath"

	"catalyst-go/internal/config"
	"catalyst-go/internal/queue"
)

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, nodeID string, q *queue.Queue) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, nodeID+".db"), q)
	case "memory":
		return NewSQLiteDatabase(":memory:", q)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
