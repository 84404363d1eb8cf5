package catalyst

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"
)

// FailedDeployments tracks entities that could not be committed. There is at
// most one record per (entity id, entity type); a repeated failure refreshes
// it and a successful commit removes it.
type FailedDeployments struct {
	db    Database
	clock Clock
}

func NewFailedDeployments(db Database, clock Clock) *FailedDeployments {
	return &FailedDeployments{db: db, clock: clock}
}

// Report records a failure, overwriting any previous record for the entity.
func (f *FailedDeployments) Report(ctx context.Context, fd *FailedDeployment) error {
	if fd.FailureTimestamp == 0 {
		fd.FailureTimestamp = NowMillis(f.clock)
	}
	if err := f.db.SaveFailedDeployment(ctx, fd); err != nil {
		return fmt.Errorf("saving failed deployment %s: %w", fd.EntityID, err)
	}
	return nil
}

func (f *FailedDeployments) Clear(ctx context.Context, entityID string, entityType EntityType) error {
	if err := f.db.DeleteFailedDeployment(ctx, entityID, entityType); err != nil {
		return fmt.Errorf("clearing failed deployment %s: %w", entityID, err)
	}
	return nil
}

// Get returns nil when the entity has no failure record.
func (f *FailedDeployments) Get(ctx context.Context, entityID string, entityType EntityType) (*FailedDeployment, error) {
	return f.db.GetFailedDeployment(ctx, entityID, entityType)
}

func (f *FailedDeployments) List(ctx context.Context) ([]*FailedDeployment, error) {
	return f.db.ListFailedDeployments(ctx)
}

// ShouldRetry decides whether sync should attempt the entity again. Unknown
// entities are always attempted. Non-retryable failures are skipped for good;
// others wait retryAfter since the last failure.
func (f *FailedDeployments) ShouldRetry(ctx context.Context, entityID string, entityType EntityType, retryAfter time.Duration) (bool, error) {
	fd, err := f.Get(ctx, entityID, entityType)
	if err != nil {
		return false, err
	}
	if fd == nil {
		return true, nil
	}
	return f.due(fd, retryAfter), nil
}

// Due lists the retryable failures whose retryAfter has passed, oldest first.
func (f *FailedDeployments) Due(ctx context.Context, retryAfter time.Duration) ([]*FailedDeployment, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	var due []*FailedDeployment
	for _, fd := range all {
		if f.due(fd, retryAfter) {
			due = append(due, fd)
		}
	}
	slices.SortStableFunc(due, func(a, b *FailedDeployment) int {
		return cmp.Compare(a.FailureTimestamp, b.FailureTimestamp)
	})
	return due, nil
}

func (f *FailedDeployments) due(fd *FailedDeployment, retryAfter time.Duration) bool {
	if !fd.Reason.Retryable() {
		return false
	}
	return NowMillis(f.clock)-fd.FailureTimestamp >= retryAfter.Milliseconds()
}
