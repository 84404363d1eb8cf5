// Package staging holds uploaded deployment files until the deployment that
// references them has been validated and committed.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"catalyst-go/internal/catalyst"
)

// ErrUploadTooLarge is returned when an upload exceeds the area's per-upload
// limit.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// Area hands out uploads backed by a stagingStore.
type Area struct {
	store   stagingStore
	ids     catalyst.IDGenerator
	maxSize int64

	mu     sync.Mutex
	active int
}

func newArea(store stagingStore, ids catalyst.IDGenerator, maxSize int64) *Area {
	return &Area{store: store, ids: ids, maxSize: maxSize}
}

// MaxSize is the per-upload byte limit.
func (a *Area) MaxSize() int64 { return a.maxSize }

// NewUpload starts an upload. The caller must Close it once the deployment
// has been committed or rejected.
func (a *Area) NewUpload() *Upload {
	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	return &Upload{area: a, id: a.ids.New(), files: make(map[string]int64)}
}

// Size returns the bytes currently staged.
func (a *Area) Size() (int64, error) {
	return a.store.ContentSize()
}

// Active returns the number of open uploads.
func (a *Area) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Reset clears leftovers from a previous run. Call it before serving.
func (a *Area) Reset() error {
	return a.store.Reset()
}

// Upload is one request's set of staged files. It implements
// catalyst.FileSource over the files added to it.
type Upload struct {
	area *Area
	id   string

	mu     sync.Mutex
	files  map[string]int64
	total  int64
	closed bool
}

var _ catalyst.FileSource = (*Upload)(nil)

// Add stages r and returns its hash and size. The upload fails as a whole
// once its files exceed the area's limit.
func (u *Upload) Add(r io.Reader) (string, int64, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return "", 0, errors.New("upload is closed")
	}
	remaining := u.area.maxSize - u.total
	u.mu.Unlock()

	hash, size, err := u.area.store.StoreContent(u.id, io.LimitReader(r, remaining+1))
	if err != nil {
		return "", 0, fmt.Errorf("staging file: %w", err)
	}
	if size > remaining {
		return "", 0, fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, u.area.maxSize)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, dup := u.files[hash]; !dup {
		u.files[hash] = size
		u.total += size
	}
	return hash, size, nil
}

// Files returns the staged hashes and their sizes.
func (u *Upload) Files() map[string]int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int64, len(u.files))
	for h, s := range u.files {
		out[h] = s
	}
	return out
}

// ReadFile returns the full contents of a staged file.
func (u *Upload) ReadFile(ctx context.Context, hash string) ([]byte, error) {
	rc, _, err := u.Open(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (u *Upload) Open(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	u.mu.Lock()
	size, ok := u.files[hash]
	u.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s not uploaded", catalyst.ErrContentNotFound, hash)
	}
	rc, err := u.area.store.OpenContent(u.id, hash)
	if err != nil {
		return nil, 0, err
	}
	return rc, size, nil
}

// Close removes the staged files. It is safe to call more than once.
func (u *Upload) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	u.area.mu.Lock()
	u.area.active--
	u.area.mu.Unlock()
	return u.area.store.RemoveUpload(u.id)
}
