// Package access decides who may deploy to which pointers.
package access

import (
	"context"
	"fmt"
	"strings"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
)

// Open lets any address deploy anywhere.
type Open struct{}

var _ catalyst.AccessChecker = Open{}

func (Open) HasAccess(context.Context, catalyst.EntityType, []string, int64, string) ([]string, error) {
	return nil, nil
}

// Wildcard is the owners key matching pointers without an explicit entry.
const Wildcard = "*"

// Rules grants access from a static owners table. Profiles are the
// exception: a profile pointer is an address and only that address may
// deploy to it.
type Rules struct {
	owners map[string]map[string]struct{}
}

var _ catalyst.AccessChecker = (*Rules)(nil)

func NewRules(owners map[string][]string) *Rules {
	r := &Rules{owners: make(map[string]map[string]struct{}, len(owners))}
	for pointer, addrs := range owners {
		set := make(map[string]struct{}, len(addrs))
		for _, a := range addrs {
			set[strings.ToLower(a)] = struct{}{}
		}
		r.owners[strings.ToLower(pointer)] = set
	}
	return r
}

func (r *Rules) HasAccess(ctx context.Context, entityType catalyst.EntityType, pointers []string, timestamp int64, deployer string) ([]string, error) {
	deployer = strings.ToLower(deployer)
	var problems []string
	for _, p := range pointers {
		if entityType == catalyst.EntityTypeProfile {
			if p != deployer {
				problems = append(problems, fmt.Sprintf("only %s may deploy the profile %s", p, p))
			}
			continue
		}
		owners, ok := r.owners[p]
		if !ok {
			owners, ok = r.owners[Wildcard]
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("pointer %s has no owners", p))
			continue
		}
		if _, allowed := owners[deployer]; !allowed {
			problems = append(problems, fmt.Sprintf("%s may not deploy to pointer %s", deployer, p))
		}
	}
	return problems, nil
}

// NewAccessCheckerFromConfig creates an AccessChecker based on the config type.
func NewAccessCheckerFromConfig(cfg config.AccessConfig) (catalyst.AccessChecker, error) {
	switch cfg.Type {
	case "open", "":
		return Open{}, nil
	case "rules":
		return NewRules(cfg.Owners), nil
	default:
		return nil, fmt.Errorf("unknown access type: %q", cfg.Type)
	}
}
