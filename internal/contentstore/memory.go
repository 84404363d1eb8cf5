package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"

	"catalyst-go/internal/catalyst"
)

// MemoryStore keeps content in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ catalyst.ContentStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Store(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := checkHash("store", hash); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: fmt.Errorf("reading content: %w", err)}
	}
	if err := checkSize(size, int64(len(data))); err != nil {
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = data
	}
	return nil
}

func (m *MemoryStore) Retrieve(ctx context.Context, hash string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, hash)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Exists(ctx context.Context, hashes ...string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		_, out[h] = m.blobs[h]
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		delete(m.blobs, h)
	}
	return nil
}

// List yields hashes in sorted order from a copy taken when iteration starts.
func (m *MemoryStore) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.RLock()
		keys := make([]string, 0, len(m.blobs))
		for h := range m.blobs {
			keys = append(keys, h)
		}
		m.mu.RUnlock()
		slices.Sort(keys)

		for _, h := range keys {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(h, nil) {
				return
			}
		}
	}
}

// Len returns the number of stored items.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
