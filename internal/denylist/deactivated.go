package denylist

import (
	"context"

	"catalyst-go/internal/catalyst"
)

// Deactivated keeps accepting administration so entries survive a later
// switch back to Active, but never reports anything as denylisted.
type Deactivated struct {
	*Active
}

var _ catalyst.Denylist = (*Deactivated)(nil)

func NewDeactivated(ctx context.Context, store catalyst.DenylistStore) (*Deactivated, error) {
	a, err := NewActive(ctx, store)
	if err != nil {
		return nil, err
	}
	return &Deactivated{Active: a}, nil
}

func (d *Deactivated) IsDenylisted(context.Context, catalyst.DenylistTarget) (bool, error) {
	return false, nil
}

func (d *Deactivated) AreDenylisted(context.Context, []catalyst.DenylistTarget) (map[string]bool, error) {
	return map[string]bool{}, nil
}

// Noop ignores every call.
type Noop struct{}

var _ catalyst.Denylist = Noop{}

func (Noop) Add(context.Context, catalyst.DenylistEntry) error     { return nil }
func (Noop) Remove(context.Context, catalyst.DenylistTarget) error { return nil }

func (Noop) IsDenylisted(context.Context, catalyst.DenylistTarget) (bool, error) {
	return false, nil
}

func (Noop) AreDenylisted(context.Context, []catalyst.DenylistTarget) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (Noop) List(context.Context) ([]*catalyst.DenylistEntry, error) { return nil, nil }
