package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"catalyst-go/internal/catalyst"
)

// memoryStore keeps staged files in memory.
type memoryStore struct {
	mu      sync.Mutex
	uploads map[string]map[string][]byte
}

var _ stagingStore = (*memoryStore)(nil)

// NewMemoryStagingArea creates an in-memory staging area.
func NewMemoryStagingArea(ids catalyst.IDGenerator, maxSize int64) *Area {
	return newArea(&memoryStore{uploads: make(map[string]map[string][]byte)}, ids, maxSize)
}

func (m *memoryStore) StoreContent(uploadID string, r io.Reader) (string, int64, error) {
	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return "", 0, fmt.Errorf("reading content: %w", err)
	}
	checksum := hex.EncodeToString(h.Sum(nil))

	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.uploads[uploadID]
	if !ok {
		files = make(map[string][]byte)
		m.uploads[uploadID] = files
	}
	files[checksum] = data
	return checksum, int64(len(data)), nil
}

func (m *memoryStore) OpenContent(uploadID, checksum string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.uploads[uploadID][checksum]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, checksum)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) RemoveUpload(uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *memoryStore) ContentSize() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, files := range m.uploads {
		for _, data := range files {
			total += int64(len(data))
		}
	}
	return total, nil
}

func (m *memoryStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.uploads)
	return nil
}
