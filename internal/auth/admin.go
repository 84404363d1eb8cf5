package auth

import (
	"fmt"
	"strings"

	"catalyst-go/internal/catalyst"
)

// AdminAuthorizer accepts chains rooted at one of a fixed set of addresses.
type AdminAuthorizer struct {
	verifier catalyst.ChainVerifier
	clock    catalyst.Clock
	admins   map[string]struct{}
}

var _ catalyst.AdminAuthorizer = (*AdminAuthorizer)(nil)

func NewAdminAuthorizer(verifier catalyst.ChainVerifier, clock catalyst.Clock, addresses []string) *AdminAuthorizer {
	admins := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		admins[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return &AdminAuthorizer{verifier: verifier, clock: clock, admins: admins}
}

func (a *AdminAuthorizer) Authorize(chain catalyst.AuthChain, payload string) error {
	signer, err := a.verifier.Verify(chain, payload, catalyst.NowMillis(a.clock))
	if err != nil {
		return err
	}
	if _, ok := a.admins[signer]; !ok {
		return fmt.Errorf("%s is not an administrator", signer)
	}
	return nil
}
