package access

import (
	"context"
	"testing"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

func TestRules_HasAccess(t *testing.T) {
	r := NewRules(map[string][]string{
		"0,0":    {"0x00000000000000000000000000000000000A11CE"},
		Wildcard: {bob},
	})

	tests := []struct {
		name       string
		entityType catalyst.EntityType
		pointers   []string
		deployer   string
		wantDenied int
	}{
		{name: "explicit owner", entityType: catalyst.EntityTypeScene, pointers: []string{"0,0"}, deployer: alice},
		{name: "explicit entry overrides wildcard", entityType: catalyst.EntityTypeScene, pointers: []string{"0,0"}, deployer: bob, wantDenied: 1},
		{name: "wildcard owner", entityType: catalyst.EntityTypeScene, pointers: []string{"5,5", "5,6"}, deployer: bob},
		{name: "not a wildcard owner", entityType: catalyst.EntityTypeScene, pointers: []string{"5,5", "0,0"}, deployer: alice, wantDenied: 1},
		{name: "own profile", entityType: catalyst.EntityTypeProfile, pointers: []string{alice}, deployer: alice},
		{name: "someone else's profile", entityType: catalyst.EntityTypeProfile, pointers: []string{bob}, deployer: alice, wantDenied: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems, err := r.HasAccess(context.Background(), tt.entityType, tt.pointers, 0, tt.deployer)
			if err != nil {
				t.Fatalf("HasAccess() error = %v", err)
			}
			if len(problems) != tt.wantDenied {
				t.Errorf("HasAccess() problems = %v, want %d", problems, tt.wantDenied)
			}
		})
	}
}

func TestRules_NoWildcard(t *testing.T) {
	r := NewRules(map[string][]string{"0,0": {alice}})
	problems, _ := r.HasAccess(context.Background(), catalyst.EntityTypeScene, []string{"1,1"}, 0, alice)
	if len(problems) != 1 {
		t.Errorf("HasAccess() problems = %v, want 1", problems)
	}
}

func TestOpen(t *testing.T) {
	problems, err := Open{}.HasAccess(context.Background(), catalyst.EntityTypeScene, []string{"0,0"}, 0, bob)
	if err != nil || len(problems) != 0 {
		t.Errorf("HasAccess() = %v, %v", problems, err)
	}
}

func TestNewAccessCheckerFromConfig(t *testing.T) {
	for _, tt := range []struct {
		typ     string
		wantErr bool
	}{{typ: ""}, {typ: "open"}, {typ: "rules"}, {typ: "dao", wantErr: true}} {
		t.Run(tt.typ, func(t *testing.T) {
			_, err := NewAccessCheckerFromConfig(config.AccessConfig{Type: tt.typ})
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
