// Package contentstore holds the ContentStore backends: memory, filesystem
// and S3, plus a decorator that seals content at rest.
package contentstore

import (
	"errors"
	"fmt"
	"io"

	"catalyst-go/internal/catalyst"
)

var errInvalidHash = errors.New("invalid content hash")

func checkHash(op, hash string) error {
	if !catalyst.ValidHash(hash) {
		return &catalyst.StorageError{Op: op, Hash: hash, Err: errInvalidHash}
	}
	return nil
}

// countingReader counts bytes as they pass through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// discardExactly consumes r and checks it held exactly size bytes. Stores use
// it when the hash is already present so callers see the same size errors
// either way.
func discardExactly(r io.Reader, size int64) error {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	return checkSize(size, n)
}

func checkSize(want, got int64) error {
	if want != got {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", want, got)
	}
	return nil
}
