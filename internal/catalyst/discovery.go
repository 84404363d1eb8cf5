package catalyst

import "context"

// Discovery lists the known peers. Implementations may return a stale or
// empty set on error; callers treat that as "no peers this cycle".
type Discovery interface {
	ListPeers(ctx context.Context) ([]Peer, error)
}
