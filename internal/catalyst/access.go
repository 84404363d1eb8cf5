package catalyst

import "context"

// AccessChecker decides whether an address may deploy to a set of pointers.
// It returns one message per denied pointer; an error means the check itself
// could not run.
type AccessChecker interface {
	HasAccess(ctx context.Context, entityType EntityType, pointers []string, timestamp int64, deployer string) ([]string, error)
}

// ChainVerifier checks the cryptography of an auth chain: every link must be
// signed by the address its predecessor authorised and the last link must
// sign payload. It returns the root signer address.
type ChainVerifier interface {
	Verify(chain AuthChain, payload string, at int64) (string, error)
}
