package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"catalyst-go/internal/catalyst"
)

// fileSystemStore keeps staged files on disk:
//
//	<staging_dir>/
//	  uploads/
//	    <upload_id>/
//	      <checksum>
type fileSystemStore struct {
	uploadsDir string
}

var _ stagingStore = (*fileSystemStore)(nil)

// NewFileSystemStagingArea creates a staging area rooted at stagingDir.
func NewFileSystemStagingArea(ids catalyst.IDGenerator, stagingDir string, maxSize int64) (*Area, error) {
	uploadsDir := filepath.Join(stagingDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return newArea(&fileSystemStore{uploadsDir: uploadsDir}, ids, maxSize), nil
}

func (s *fileSystemStore) StoreContent(uploadID string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(s.uploadsDir, uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	if err := os.Rename(tmpPath, filepath.Join(dir, checksum)); err != nil {
		return "", 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return checksum, size, nil
}

func (s *fileSystemStore) OpenContent(uploadID, checksum string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.uploadsDir, uploadID, checksum))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, checksum)
	}
	if err != nil {
		return nil, fmt.Errorf("opening staged file: %w", err)
	}
	return f, nil
}

func (s *fileSystemStore) RemoveUpload(uploadID string) error {
	if err := os.RemoveAll(filepath.Join(s.uploadsDir, uploadID)); err != nil {
		return fmt.Errorf("removing upload %s: %w", uploadID, err)
	}
	return nil
}

func (s *fileSystemStore) ContentSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.uploadsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring staging area: %w", err)
	}
	return total, nil
}

func (s *fileSystemStore) Reset() error {
	entries, err := os.ReadDir(s.uploadsDir)
	if err != nil {
		return fmt.Errorf("reading staging directory: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.uploadsDir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
