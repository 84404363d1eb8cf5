package staging

import "io"

// stagingStore abstracts where staged bytes live. Each upload owns its own
// namespace so concurrent uploads of the same file never share state.
type stagingStore interface {
	// StoreContent reads r, computes its SHA-256 and keeps the bytes under
	// the upload. Storing the same content twice in one upload is harmless.
	StoreContent(uploadID string, r io.Reader) (checksum string, size int64, err error)

	// OpenContent returns a reader for a file previously stored in the upload.
	OpenContent(uploadID, checksum string) (io.ReadCloser, error)

	// RemoveUpload drops every file of the upload (best-effort).
	RemoveUpload(uploadID string) error

	// ContentSize returns total bytes staged across all uploads.
	ContentSize() (int64, error)

	// Reset removes everything, including uploads left by a previous process.
	Reset() error
}
