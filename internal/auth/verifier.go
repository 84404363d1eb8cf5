// Package auth verifies and produces auth chains signed with Ethereum
// personal_sign signatures.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"catalyst-go/internal/catalyst"
)

const (
	ephemeralHeader     = "Decentraland Login"
	ephemeralAddrLine   = "Ephemeral address: "
	ephemeralExpiryLine = "Expiration: "
)

// Verifier checks auth chains. It holds no state.
type Verifier struct{}

var _ catalyst.ChainVerifier = Verifier{}

// Verify walks the chain from the root signer. Each link must be signed by
// the address the previous link authorised; ephemeral links hand authority
// to a new address until their expiration, which must not be before at. The
// final link must sign payload.
func (Verifier) Verify(chain catalyst.AuthChain, payload string, at int64) (string, error) {
	if len(chain) < 2 {
		return "", errors.New("auth chain needs a signer and at least one signed link")
	}
	root := chain[0]
	if root.Type != catalyst.AuthLinkSigner {
		return "", fmt.Errorf("first link must be %s, got %s", catalyst.AuthLinkSigner, root.Type)
	}
	if !common.IsHexAddress(root.Payload) {
		return "", fmt.Errorf("signer %q is not an address", root.Payload)
	}

	authorised := strings.ToLower(root.Payload)
	for i, link := range chain[1:] {
		last := i == len(chain)-2

		signer, err := RecoverAddress(link.Payload, link.Signature)
		if err != nil {
			return "", fmt.Errorf("link %d: %w", i+1, err)
		}
		if signer != authorised {
			return "", fmt.Errorf("link %d: signed by %s, expected %s", i+1, signer, authorised)
		}

		switch link.Type {
		case catalyst.AuthLinkEphemeral:
			if last {
				return "", fmt.Errorf("link %d: chain ends with an ephemeral link", i+1)
			}
			addr, expires, err := ParseEphemeralPayload(link.Payload)
			if err != nil {
				return "", fmt.Errorf("link %d: %w", i+1, err)
			}
			if expires.UnixMilli() < at {
				return "", fmt.Errorf("link %d: ephemeral key expired at %s", i+1, expires.Format(time.RFC3339))
			}
			authorised = addr
		case catalyst.AuthLinkSignedEntity, catalyst.AuthLinkSignedEntityAlias:
			if !last {
				return "", fmt.Errorf("link %d: signed payload must be the last link", i+1)
			}
			if link.Payload != payload {
				return "", fmt.Errorf("link %d: signs %q, expected %q", i+1, link.Payload, payload)
			}
		default:
			return "", fmt.Errorf("link %d: unsupported link type %q", i+1, link.Type)
		}
	}
	return strings.ToLower(root.Payload), nil
}

// RecoverAddress returns the lower-cased address that produced a
// personal_sign signature over payload.
func RecoverAddress(payload, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(payload)), sig)
	if err != nil {
		return "", fmt.Errorf("recovering public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// EphemeralPayload is the text a root key signs to delegate to addr.
func EphemeralPayload(addr string, expires time.Time) string {
	return ephemeralHeader + "\n" +
		ephemeralAddrLine + addr + "\n" +
		ephemeralExpiryLine + expires.UTC().Format(time.RFC3339)
}

// ParseEphemeralPayload extracts the delegated address and its expiration.
func ParseEphemeralPayload(payload string) (string, time.Time, error) {
	var addr, expiry string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, ephemeralAddrLine):
			addr = strings.TrimPrefix(line, ephemeralAddrLine)
		case strings.HasPrefix(line, ephemeralExpiryLine):
			expiry = strings.TrimPrefix(line, ephemeralExpiryLine)
		}
	}
	if !common.IsHexAddress(addr) {
		return "", time.Time{}, fmt.Errorf("ephemeral payload has no valid address")
	}
	expires, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ephemeral payload expiration: %w", err)
	}
	return strings.ToLower(addr), expires, nil
}
