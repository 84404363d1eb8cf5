package catalyst

import (
	"errors"
	"fmt"
	"strings"

	"catalyst-go/internal/queue"
)

// ErrCapacity is returned when the query queue refuses low priority work.
// Callers should retry later.
var ErrCapacity = queue.ErrCapacity

// ErrContentNotFound is returned by content stores for unknown hashes.
var ErrContentNotFound = errors.New("content not found")

// ErrDenylisted is returned when serving a denylisted target.
var ErrDenylisted = errors.New("target is denylisted")

// ValidationError lists every problem found with a candidate deployment.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "deployment is invalid: " + strings.Join(e.Problems, "; ")
}

// PointerConflict reports that a newer deployment already owns a pointer.
type PointerConflict struct {
	Pointer  string `json:"pointer"`
	EntityID string `json:"entityId"`
}

// ConflictError is returned when a local deployment loses every pointer it
// claims.
type ConflictError struct {
	Conflicts []PointerConflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("a newer deployment already exists for pointer %s (%s)", c.Pointer, c.EntityID)
	}
	return strings.Join(parts, "; ")
}

// TransientPeerError wraps a network or timeout failure while talking to a
// peer. The entity is recorded as a fetch failure and attempted again by the
// first sync cycle after the retry delay.
type TransientPeerError struct {
	Peer string
	Err  error
}

func (e *TransientPeerError) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}

func (e *TransientPeerError) Unwrap() error { return e.Err }

// StorageError is an I/O failure on a single content item.
type StorageError struct {
	Op   string
	Hash string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Hash, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
