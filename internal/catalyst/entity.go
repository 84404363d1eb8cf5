package catalyst

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// entityFile is the on-the-wire layout of an entity file. The id is not part
// of the file; it is the hash of the file bytes.
type entityFile struct {
	Version   string           `json:"version"`
	Type      EntityType       `json:"type"`
	Pointers  []string         `json:"pointers"`
	Timestamp int64            `json:"timestamp"`
	Content   []ContentMapping `json:"content,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ValidHash reports whether s looks like a HashBytes result.
func ValidHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParseEntity decodes an entity file and assigns it the claimed id. The id is
// not checked against the file bytes; that is the ENTITY_HASH check's job.
func ParseEntity(id string, data []byte) (*Entity, error) {
	var f entityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding entity file: %w", err)
	}
	for i := range f.Content {
		f.Content[i].Hash = strings.ToLower(f.Content[i].Hash)
	}
	return &Entity{
		ID:        strings.ToLower(id),
		Version:   f.Version,
		Type:      f.Type,
		Pointers:  NormalizePointers(f.Pointers),
		Timestamp: f.Timestamp,
		Content:   f.Content,
		Metadata:  f.Metadata,
	}, nil
}

// MarshalEntityFile encodes e as an entity file. The result hashes to the id
// peers will see for the entity.
func MarshalEntityFile(e *Entity) ([]byte, error) {
	data, err := json.Marshal(entityFile{
		Version:   e.Version,
		Type:      e.Type,
		Pointers:  e.Pointers,
		Timestamp: e.Timestamp,
		Content:   e.Content,
		Metadata:  e.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding entity file: %w", err)
	}
	return data, nil
}
