package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/contentstore"
)

// NewTestContentStore creates a new in-memory content store for testing.
func NewTestContentStore() *contentstore.MemoryStore {
	return contentstore.NewMemoryStore()
}

// MapSource is a catalyst.FileSource over files keyed by hash.
type MapSource map[string][]byte

func (m MapSource) Open(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	data, ok := m[hash]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, hash)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}
