package auth

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"catalyst-go/internal/catalyst"
)

// Identity is a secp256k1 key able to sign auth chain links.
type Identity struct {
	key *ecdsa.PrivateKey
}

func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return &Identity{key: key}, nil
}

// IdentityFromHex loads a hex private key, with or without 0x.
func IdentityFromHex(s string) (*Identity, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Identity{key: key}, nil
}

// LoadIdentity reads a hex private key from path.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return IdentityFromHex(string(data))
}

// Address returns the lower-cased 0x address of the key.
func (i *Identity) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(i.key.PublicKey).Hex())
}

// Sign produces a personal_sign signature with a 27/28 recovery id.
func (i *Identity) Sign(payload string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(payload)), i.key)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignChain returns a two-link chain in which this identity signs payload
// directly.
func (i *Identity) SignChain(payload string) (catalyst.AuthChain, error) {
	sig, err := i.Sign(payload)
	if err != nil {
		return nil, err
	}
	return catalyst.AuthChain{
		{Type: catalyst.AuthLinkSigner, Payload: i.Address()},
		{Type: catalyst.AuthLinkSignedEntity, Payload: payload, Signature: sig},
	}, nil
}

// DelegatedChain returns a chain in which this identity authorises
// ephemeral until expires and ephemeral signs payload.
func (i *Identity) DelegatedChain(ephemeral *Identity, expires time.Time, payload string) (catalyst.AuthChain, error) {
	delegation := EphemeralPayload(ephemeral.Address(), expires)
	delegationSig, err := i.Sign(delegation)
	if err != nil {
		return nil, err
	}
	sig, err := ephemeral.Sign(payload)
	if err != nil {
		return nil, err
	}
	return catalyst.AuthChain{
		{Type: catalyst.AuthLinkSigner, Payload: i.Address()},
		{Type: catalyst.AuthLinkEphemeral, Payload: delegation, Signature: delegationSig},
		{Type: catalyst.AuthLinkSignedEntity, Payload: payload, Signature: sig},
	}, nil
}
