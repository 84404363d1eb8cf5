// Package encryption seals content at rest for stores configured with
// encrypted = true. Keys live on disk; the private key is protected by a
// passphrase and only becomes usable after Unlock.
package encryption

import "io"

// Cipher encrypts and decrypts streams with an unlocked key pair.
type Cipher interface {
	Seal(r io.Reader, w io.Writer) error
	Open(r io.Reader, w io.Writer) error
}

// Keyring manages the node's storage key pair.
type Keyring interface {
	// Setup generates a fresh key pair protected by passphrase.
	Setup(passphrase string) error
	// Unlock decrypts the private key and returns a ready Cipher.
	Unlock(passphrase string) (Cipher, error)
	IsConfigured() bool
}
