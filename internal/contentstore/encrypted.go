package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/encryption"
)

// EncryptedStore seals content before handing it to the wrapped store. Keys
// stay the plaintext hashes so the rest of the node is unaware of it.
type EncryptedStore struct {
	inner  catalyst.ContentStore
	cipher encryption.Cipher
}

var _ catalyst.ContentStore = (*EncryptedStore)(nil)

func NewEncryptedStore(inner catalyst.ContentStore, cipher encryption.Cipher) *EncryptedStore {
	return &EncryptedStore{inner: inner, cipher: cipher}
}

// Store buffers the sealed bytes in memory since the wrapped store needs
// their length up front.
func (s *EncryptedStore) Store(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := checkHash("store", hash); err != nil {
		return err
	}
	present, err := s.inner.Exists(ctx, hash)
	if err != nil {
		return err
	}
	if present[hash] {
		if err := discardExactly(r, size); err != nil {
			return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
		}
		return nil
	}

	plain := &countingReader{r: r}
	var sealed bytes.Buffer
	if err := s.cipher.Seal(plain, &sealed); err != nil {
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
	}
	if err := checkSize(size, plain.n); err != nil {
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
	}
	return s.inner.Store(ctx, hash, &sealed, int64(sealed.Len()))
}

// Retrieve decrypts on the fly. Decryption failures surface from Read.
func (s *EncryptedStore) Retrieve(ctx context.Context, hash string) (io.ReadCloser, error) {
	rc, err := s.inner.Retrieve(ctx, hash)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		if err := s.cipher.Open(rc, pw); err != nil {
			pw.CloseWithError(&catalyst.StorageError{Op: "retrieve", Hash: hash, Err: fmt.Errorf("decrypting: %w", err)})
			return
		}
		pw.Close()
	}()
	return pr, nil
}

func (s *EncryptedStore) Exists(ctx context.Context, hashes ...string) (map[string]bool, error) {
	return s.inner.Exists(ctx, hashes...)
}

func (s *EncryptedStore) Delete(ctx context.Context, hashes []string) error {
	return s.inner.Delete(ctx, hashes)
}

func (s *EncryptedStore) List(ctx context.Context) iter.Seq2[string, error] {
	return s.inner.List(ctx)
}
