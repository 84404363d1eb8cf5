package catalyst

import "context"

// Denylist decides whether a target may be served or deployed.
type Denylist interface {
	Add(ctx context.Context, entry DenylistEntry) error
	Remove(ctx context.Context, target DenylistTarget) error
	IsDenylisted(ctx context.Context, target DenylistTarget) (bool, error)

	// AreDenylisted returns the subset of targets that are denylisted, keyed
	// by DenylistTarget.Key.
	AreDenylisted(ctx context.Context, targets []DenylistTarget) (map[string]bool, error)

	List(ctx context.Context) ([]*DenylistEntry, error)
}

// DeploymentTargets lists every denylist target a deployment touches.
func DeploymentTargets(e *Entity, deployer string) []DenylistTarget {
	targets := make([]DenylistTarget, 0, 2+len(e.Pointers)+len(e.Content))
	targets = append(targets, DenylistTarget{Type: TargetEntity, ID: e.ID})
	if deployer != "" {
		targets = append(targets, DenylistTarget{Type: TargetAddress, ID: deployer})
	}
	for _, p := range e.Pointers {
		targets = append(targets, DenylistTarget{Type: TargetPointer, ID: p})
	}
	for _, h := range e.ContentHashes() {
		targets = append(targets, DenylistTarget{Type: TargetContent, ID: h})
	}
	return targets
}
