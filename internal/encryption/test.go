package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// testHeader marks sealed output of TestCipher so it never equals the
// plaintext and therefore never hashes to the same value.
var testHeader = []byte("CTENC\x00\x00\x00")

// TestKeyring hands out a TestCipher for any passphrase.
type TestKeyring struct {
	setupCalled bool
}

var _ Keyring = (*TestKeyring)(nil)

func NewTestKeyring() *TestKeyring {
	return &TestKeyring{}
}

func (k *TestKeyring) Setup(string) error {
	k.setupCalled = true
	return nil
}

func (k *TestKeyring) Unlock(string) (Cipher, error) {
	return TestCipher{}, nil
}

func (k *TestKeyring) IsConfigured() bool {
	return true
}

// TestCipher prepends a fixed header on Seal and strips it on Open.
type TestCipher struct{}

var _ Cipher = TestCipher{}

func (TestCipher) Seal(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (TestCipher) Open(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return errors.New("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
