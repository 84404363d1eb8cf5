package denylist

import (
	"context"
	"fmt"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
)

// NewDenylistFromConfig creates a Denylist based on the configuration type.
func NewDenylistFromConfig(ctx context.Context, cfg config.DenylistConfig, store catalyst.DenylistStore) (catalyst.Denylist, error) {
	switch cfg.Type {
	case "active", "":
		return NewActive(ctx, store)
	case "deactivated":
		return NewDeactivated(ctx, store)
	case "noop":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown denylist type: %q", cfg.Type)
	}
}
