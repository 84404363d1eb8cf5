package staging

import (
	"fmt"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
)

// DefaultMaxSize is the default per-upload limit (100MB).
const DefaultMaxSize int64 = 100 << 20

// NewStagingAreaFromConfig creates a staging Area based on the config type.
func NewStagingAreaFromConfig(cfg config.StagingConfig, ids catalyst.IDGenerator) (*Area, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStagingArea(ids, maxSize), nil
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		return NewFileSystemStagingArea(ids, cfg.StagingDir, maxSize)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
