package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"catalyst-go/internal/catalyst"
)

// FileSystemStore keeps content as files named by hash:
//
//	<root>/
//	  <hash[:2]>/
//	    <hash>
type FileSystemStore struct {
	root string
}

var _ catalyst.ContentStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates the root directory if needed.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

func (s *FileSystemStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *FileSystemStore) Store(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := checkHash("store", hash); err != nil {
		return err
	}
	dest := s.path(hash)
	if _, err := os.Stat(dest); err == nil {
		if err := discardExactly(r, size); err != nil {
			return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
		}
		return nil
	}
	if err := writeFileAtomic(dest, r, size); err != nil {
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
	}
	return nil
}

// writeFileAtomic writes to a temp file next to dest and renames it into
// place once the size is confirmed.
func writeFileAtomic(dest string, r io.Reader, size int64) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := checkSize(size, written); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return nil
}

func (s *FileSystemStore) Retrieve(ctx context.Context, hash string) (io.ReadCloser, error) {
	if !catalyst.ValidHash(hash) {
		return nil, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, hash)
	}
	f, err := os.Open(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, hash)
	}
	if err != nil {
		return nil, &catalyst.StorageError{Op: "retrieve", Hash: hash, Err: err}
	}
	return f, nil
}

func (s *FileSystemStore) Exists(ctx context.Context, hashes ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if !catalyst.ValidHash(h) {
			out[h] = false
			continue
		}
		_, err := os.Stat(s.path(h))
		switch {
		case err == nil:
			out[h] = true
		case errors.Is(err, fs.ErrNotExist):
			out[h] = false
		default:
			return nil, &catalyst.StorageError{Op: "exists", Hash: h, Err: err}
		}
	}
	return out, nil
}

func (s *FileSystemStore) Delete(ctx context.Context, hashes []string) error {
	var errs []error
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := checkHash("delete", h); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(s.path(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &catalyst.StorageError{Op: "delete", Hash: h, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (s *FileSystemStore) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") || !catalyst.ValidHash(d.Name()) {
				return nil
			}
			if !yield(d.Name(), nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", &catalyst.StorageError{Op: "list", Err: err})
		}
	}
}
