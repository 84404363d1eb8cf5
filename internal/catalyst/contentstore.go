package catalyst

import (
	"context"
	"io"
	"iter"
)

// ContentStore is the content-addressed byte store. Keys are lowercase hex
// SHA-256 hashes of the stored bytes.
type ContentStore interface {
	// Store saves size bytes read from r under hash. Storing a hash that is
	// already present is a no-op.
	Store(ctx context.Context, hash string, r io.Reader, size int64) error

	// Retrieve opens the content for reading. It returns ErrContentNotFound
	// for unknown hashes.
	Retrieve(ctx context.Context, hash string) (io.ReadCloser, error)

	// Exists reports, for each hash, whether it is present.
	Exists(ctx context.Context, hashes ...string) (map[string]bool, error)

	// Delete removes the given hashes. Unknown hashes are ignored. Failures are
	// reported per hash as *StorageError values joined together.
	Delete(ctx context.Context, hashes []string) error

	// List yields every stored hash. Iteration stops at the first error.
	List(ctx context.Context) iter.Seq2[string, error]
}

// FileSource gives the deployer access to the files uploaded with a
// deployment, whether staged from a request or downloaded from a peer.
type FileSource interface {
	Open(ctx context.Context, hash string) (io.ReadCloser, int64, error)
}
