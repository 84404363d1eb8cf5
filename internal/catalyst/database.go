package catalyst

import "context"

// SortField selects the timestamp deployment history is ordered by.
type SortField string

const (
	SortByLocalTimestamp  SortField = "local_timestamp"
	SortByEntityTimestamp SortField = "entity_timestamp"
)

// SortOrder is ASC or DESC.
type SortOrder string

const (
	OrderAscending  SortOrder = "ASC"
	OrderDescending SortOrder = "DESC"
)

// MaxPageSize caps a single ListDeployments page.
const MaxPageSize = 500

// DeploymentFilter selects a page of deployment history. From is inclusive,
// To is exclusive, both on the sort field and zero meaning unbounded. LastID
// resumes after the entity id seen last on the boundary timestamp.
type DeploymentFilter struct {
	EntityTypes          []EntityType
	EntityIDs            []string
	Pointers             []string
	Deployer             string
	From                 int64
	To                   int64
	OnlyCurrentlyPointed bool
	SortBy               SortField
	Order                SortOrder
	LastID               string
	Limit                int
}

// Normalize fills defaults and clamps the limit.
func (f DeploymentFilter) Normalize() DeploymentFilter {
	if f.SortBy == "" {
		f.SortBy = SortByLocalTimestamp
	}
	if f.Order == "" {
		f.Order = OrderDescending
	}
	if f.Limit <= 0 || f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	f.Pointers = NormalizePointers(f.Pointers)
	return f
}

// Tx is the view of the database inside a deployment transaction.
type Tx interface {
	DeploymentExists(ctx context.Context, entityID string) (bool, error)

	// LastLocalTimestamp returns the largest local timestamp committed so
	// far, or 0 when there are no deployments.
	LastLocalTimestamp(ctx context.Context) (int64, error)

	// PointerHead returns the deployment that currently decides the pointer,
	// including deletions, or nil if the pointer was never deployed.
	PointerHead(ctx context.Context, pointer string) (*PointerHead, error)

	InsertDeployment(ctx context.Context, d *Deployment) error

	// MarkOverwritten records by as the superseder of entityID unless one is
	// already recorded. deletion also records by as the deleter.
	MarkOverwritten(ctx context.Context, entityID, by string, at int64, deletion bool) error

	SetActivePointer(ctx context.Context, pointer, entityID string) error
	DeleteActivePointer(ctx context.Context, pointer string) error

	DeleteFailedDeployment(ctx context.Context, entityID string, entityType EntityType) error
}

// DenylistStore persists denylist entries.
type DenylistStore interface {
	SaveDenylistEntry(ctx context.Context, entry *DenylistEntry) error
	DeleteDenylistEntry(ctx context.Context, target DenylistTarget) error
	ListDenylistEntries(ctx context.Context) ([]*DenylistEntry, error)
}

// Database is the relational index. Every method passes through the query
// queue: reads are admitted at low priority, writes at high priority.
// Lookups of a single record return nil, nil when it does not exist.
type Database interface {
	DenylistStore

	// Transact runs fn inside one write transaction. Returning an error rolls
	// the transaction back.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Deployments

	DeploymentExists(ctx context.Context, entityID string) (bool, error)
	GetDeployments(ctx context.Context, entityIDs []string) ([]*Deployment, error)
	GetActiveDeployments(ctx context.Context, pointers []string) ([]*Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error)

	// DeploymentsBetween returns deployments with from <= localTimestamp < to
	// ordered by (localTimestamp, entityID).
	DeploymentsBetween(ctx context.Context, from, to int64) ([]*Deployment, error)

	// LocalTimestampBounds returns the smallest and largest local timestamps.
	// ok is false when there are no deployments.
	LocalTimestampBounds(ctx context.Context) (minTS, maxTS int64, ok bool, err error)

	// ReferencedHashes returns every hash the content store must keep: the
	// entity files and content of deployments that are active, still point at
	// something, or were superseded at or after graceCutoff, and snapshots not
	// replaced before graceCutoff.
	ReferencedHashes(ctx context.Context, graceCutoff int64) (map[string]struct{}, error)

	// Failed deployments

	SaveFailedDeployment(ctx context.Context, f *FailedDeployment) error
	GetFailedDeployment(ctx context.Context, entityID string, entityType EntityType) (*FailedDeployment, error)
	ListFailedDeployments(ctx context.Context) ([]*FailedDeployment, error)
	DeleteFailedDeployment(ctx context.Context, entityID string, entityType EntityType) error

	// Snapshots

	// SaveSnapshot inserts s and marks every hash in s.ReplacedHashes as
	// replaced by s at s.GenerationTime.
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	ListSnapshots(ctx context.Context, includeReplaced bool) ([]*Snapshot, error)

	// Sync state

	GetSyncCursor(ctx context.Context, peerAddress string) (*SyncCursor, error)
	SaveSyncCursor(ctx context.Context, c *SyncCursor) error
	IsSnapshotProcessed(ctx context.Context, hash string) (bool, error)
	MarkSnapshotProcessed(ctx context.Context, hash string, at int64) error

	Close() error
}
