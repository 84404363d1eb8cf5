package encryption

import (
	"fmt"

	"catalyst-go/internal/config"
)

// NewKeyringFromConfig creates a Keyring based on the configuration type.
func NewKeyringFromConfig(cfg config.EncryptionConfig) (Keyring, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeKeyring(cfg), nil
	case "test":
		return NewTestKeyring(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
