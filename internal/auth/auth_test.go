package auth

import (
	"strings"
	"testing"
	"time"

	"catalyst-go/internal/catalyst"
)

func mustIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	return id
}

func TestIdentity_SignRecover(t *testing.T) {
	id := mustIdentity(t)
	sig, err := id.Sign("hello")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	got, err := RecoverAddress("hello", sig)
	if err != nil {
		t.Fatalf("RecoverAddress() error = %v", err)
	}
	if got != id.Address() {
		t.Errorf("RecoverAddress() = %s, want %s", got, id.Address())
	}
	if other, _ := RecoverAddress("goodbye", sig); other == id.Address() {
		t.Error("signature recovered to signer for a different payload")
	}
}

func TestIdentityFromHex(t *testing.T) {
	const key = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	id, err := IdentityFromHex(key)
	if err != nil {
		t.Fatalf("IdentityFromHex() error = %v", err)
	}
	if want := "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23"; id.Address() != want {
		t.Errorf("Address() = %s, want %s", id.Address(), want)
	}
	if _, err := IdentityFromHex("not-a-key"); err == nil {
		t.Error("IdentityFromHex() with garbage expected error")
	}
}

func TestVerifier_Verify(t *testing.T) {
	const entityID = "bafkentity"
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	at := now.UnixMilli()

	root := mustIdentity(t)
	ephemeral := mustIdentity(t)
	stranger := mustIdentity(t)

	direct, _ := root.SignChain(entityID)
	delegated, _ := root.DelegatedChain(ephemeral, now.Add(time.Hour), entityID)
	expired, _ := root.DelegatedChain(ephemeral, now.Add(-time.Minute), entityID)
	forged, _ := stranger.SignChain(entityID)
	forged[0].Payload = root.Address()
	wrongPayload, _ := root.SignChain("other")

	upper := append(catalyst.AuthChain{}, direct...)
	upper[0].Payload = strings.ToUpper(upper[0].Payload[2:])
	upper[0].Payload = "0x" + upper[0].Payload

	endsEphemeral := delegated[:2]

	tests := []struct {
		name    string
		chain   catalyst.AuthChain
		wantErr string
	}{
		{name: "direct signature", chain: direct},
		{name: "ephemeral delegation", chain: delegated},
		{name: "signer address case-insensitive", chain: upper},
		{name: "expired ephemeral", chain: expired, wantErr: "expired"},
		{name: "forged root", chain: forged, wantErr: "signed by"},
		{name: "signs another payload", chain: wrongPayload, wantErr: "expected"},
		{name: "ends with ephemeral", chain: endsEphemeral, wantErr: "ends with an ephemeral"},
		{name: "signer only", chain: direct[:1], wantErr: "needs a signer"},
		{name: "missing signer", chain: catalyst.AuthChain{direct[1], direct[1]}, wantErr: "first link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := Verifier{}.Verify(tt.chain, entityID, at)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Verify() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if signer != root.Address() {
				t.Errorf("Verify() signer = %s, want %s", signer, root.Address())
			}
		})
	}
}

func TestParseEphemeralPayload(t *testing.T) {
	exp := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	addr := "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23"

	gotAddr, gotExp, err := ParseEphemeralPayload(EphemeralPayload(addr, exp))
	if err != nil {
		t.Fatalf("ParseEphemeralPayload() error = %v", err)
	}
	if gotAddr != addr || !gotExp.Equal(exp) {
		t.Errorf("got %s %v, want %s %v", gotAddr, gotExp, addr, exp)
	}

	if _, _, err := ParseEphemeralPayload("Decentraland Login\nExpiration: soon"); err == nil {
		t.Error("ParseEphemeralPayload() with no address expected error")
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestAdminAuthorizer(t *testing.T) {
	admin := mustIdentity(t)
	user := mustIdentity(t)
	a := NewAdminAuthorizer(Verifier{}, fixedClock(time.Now()), []string{" 0x" + strings.ToUpper(admin.Address()[2:]) + " "})

	payload := "add:pointer:0,0:1700000000000"
	ok, _ := admin.SignChain(payload)
	if err := a.Authorize(ok, payload); err != nil {
		t.Errorf("Authorize() admin error = %v", err)
	}

	notAdmin, _ := user.SignChain(payload)
	if err := a.Authorize(notAdmin, payload); err == nil {
		t.Error("Authorize() of non-admin expected error")
	}

	if err := a.Authorize(ok, "remove:pointer:0,0:1700000000000"); err == nil {
		t.Error("Authorize() with mismatched payload expected error")
	}
}
