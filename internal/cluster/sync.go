package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/staging"
)

var (
	// ErrSyncInProgress is returned when a cycle is requested while one runs.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNoFailedDeployment is returned when retrying an unknown failure.
	ErrNoFailedDeployment = errors.New("no failed deployment recorded")
)

const (
	DefaultPageSize          = 500
	DefaultParallelDownloads = 8
	DefaultRetryAfter        = 15 * time.Minute
)

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	PageSize          int
	ParallelDownloads int
	RetryAfter        time.Duration
	// Checks run on remote deployments. Zero means catalyst.SyncChecks.
	Checks catalyst.Check
}

// SyncDeps groups the collaborators of a Synchronizer.
type SyncDeps struct {
	Discovery catalyst.Discovery
	Client    *Client
	DB        catalyst.Database
	Store     catalyst.ContentStore
	Deployer  *catalyst.Deployer
	Failed    *catalyst.FailedDeployments
	Staging   *staging.Area
	Clock     catalyst.Clock
	Metrics   *catalyst.Metrics
	Logger    catalyst.Logger
}

// PeerStatus is the outcome of the last cycle against a peer.
type PeerStatus struct {
	Address   string `json:"address"`
	LastSync  int64  `json:"lastSync"`
	LastError string `json:"lastError,omitempty"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Synchronizer pulls deployment history from peers and replays it through
// the deployer. A peer never seen before is bootstrapped from its snapshots;
// afterwards only history newer than the stored cursor is requested.
type Synchronizer struct {
	cfg     SyncConfig
	deps    SyncDeps
	pool    *ants.Pool
	peers   *xsync.MapOf[string, PeerStatus]
	running atomic.Bool
}

func NewSynchronizer(cfg SyncConfig, deps SyncDeps) (*Synchronizer, error) {
	if cfg.PageSize <= 0 || cfg.PageSize > catalyst.MaxPageSize {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ParallelDownloads <= 0 {
		cfg.ParallelDownloads = DefaultParallelDownloads
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.Checks == 0 {
		cfg.Checks = catalyst.SyncChecks
	}
	if deps.Metrics == nil {
		deps.Metrics = catalyst.NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = catalyst.NewNopLogger()
	}
	pool, err := ants.NewPool(cfg.ParallelDownloads)
	if err != nil {
		return nil, fmt.Errorf("creating download pool: %w", err)
	}
	return &Synchronizer{
		cfg:   cfg,
		deps:  deps,
		pool:  pool,
		peers: xsync.NewMapOf[string, PeerStatus](),
	}, nil
}

// Close stops the download pool.
func (s *Synchronizer) Close() {
	s.pool.Release()
}

// Status returns the last known state of every peer, ordered by address.
func (s *Synchronizer) Status() []PeerStatus {
	var out []PeerStatus
	s.peers.Range(func(_ string, st PeerStatus) bool {
		out = append(out, st)
		return true
	})
	slices.SortFunc(out, func(a, b PeerStatus) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return out
}

// SyncResult sums one cycle over all peers. Retried counts failed
// deployments attempted again this cycle; their outcome is also counted in
// Processed or Failed.
type SyncResult struct {
	Peers     int
	Retried   int
	Processed int
	Skipped   int
	Failed    int
}

// retryDue attempts every failed deployment whose retry delay has passed.
// Only capacity and cancellation stop the pass; other failures refresh the
// record and wait for a later cycle.
func (s *Synchronizer) retryDue(ctx context.Context, result *SyncResult) error {
	due, err := s.deps.Failed.Due(ctx, s.cfg.RetryAfter)
	if err != nil {
		s.deps.Logger.Warn("could not list failed deployments", "error", err)
		return nil
	}
	for _, fd := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Retried++
		res, err := s.retry(ctx, fd)
		if errors.Is(err, catalyst.ErrCapacity) || ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		if err != nil {
			s.deps.Logger.Warn("retry of failed deployment failed", "entity", fd.EntityID, "error", err)
			result.Failed++
			continue
		}
		s.deps.Logger.Info("retried failed deployment", "entity", fd.EntityID, "status", res.Status)
		result.Processed++
	}
	if len(due) > 0 {
		s.deps.Logger.Info("failed deployments retried", "count", len(due))
	}
	return nil
}

// SyncOnce runs one cycle. Failed deployments whose retry delay has passed
// are attempted first, then every discovered peer is pulled. A peer that
// cannot be reached is logged and retried next cycle; it does not fail the
// cycle.
func (s *Synchronizer) SyncOnce(ctx context.Context) (*SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	result := &SyncResult{}
	if err := s.retryDue(ctx, result); err != nil {
		return result, err
	}

	peers, err := s.deps.Discovery.ListPeers(ctx)
	if err != nil {
		s.deps.Logger.Warn("peer discovery failed", "error", err)
		return result, nil
	}

	result.Peers = len(peers)
	for _, p := range peers {
		st, err := s.syncPeer(ctx, p.Address)
		result.Processed += st.Processed
		result.Skipped += st.Skipped
		result.Failed += st.Failed
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.deps.Logger.Warn("sync with peer failed", "peer", p.Address, "error", err)
		}
	}
	return result, nil
}

func (s *Synchronizer) syncPeer(ctx context.Context, peer string) (PeerStatus, error) {
	st := PeerStatus{Address: peer}
	start := s.deps.Clock.Now()

	err := s.pullPeer(ctx, peer, &st)
	st.LastSync = catalyst.NowMillis(s.deps.Clock)
	if err != nil {
		st.LastError = err.Error()
	}
	s.peers.Store(peer, st)

	s.deps.Logger.Info("synced with peer",
		"peer", peer,
		"processed", st.Processed,
		"skipped", st.Skipped,
		"failed", st.Failed,
		"duration", s.deps.Clock.Now().Sub(start))
	return st, err
}

func (s *Synchronizer) pullPeer(ctx context.Context, peer string, st *PeerStatus) error {
	cursor, err := s.deps.DB.GetSyncCursor(ctx, peer)
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}
	if cursor == nil {
		if cursor, err = s.bootstrap(ctx, peer, st); err != nil {
			return fmt.Errorf("bootstrapping from snapshots: %w", err)
		}
	}

	filter := catalyst.DeploymentFilter{
		From:   cursor.LocalTimestamp,
		LastID: cursor.LastID,
		SortBy: catalyst.SortByLocalTimestamp,
		Order:  catalyst.OrderAscending,
		Limit:  s.cfg.PageSize,
	}
	for {
		page, err := s.deps.Client.ListDeployments(ctx, peer, filter)
		if err != nil {
			return err
		}

		entries := make([]remoteEntry, len(page.Deployments))
		for i, d := range page.Deployments {
			entries[i] = remoteEntry{
				EntityID:       d.EntityID,
				EntityType:     d.EntityType,
				AuthChain:      d.AuthChain,
				LocalTimestamp: d.LocalTimestamp,
			}
		}
		batchErr := s.processBatch(ctx, peer, entries, st, func(e remoteEntry) {
			cursor.LocalTimestamp, cursor.LastID = e.LocalTimestamp, e.EntityID
		})
		if batchErr == nil && page.Next != nil {
			cursor.LocalTimestamp, cursor.LastID = page.Next.Timestamp, page.Next.LastID
		}

		cursor.UpdatedAt = catalyst.NowMillis(s.deps.Clock)
		if err := s.deps.DB.SaveSyncCursor(ctx, cursor); err != nil {
			return errors.Join(batchErr, fmt.Errorf("saving cursor: %w", err))
		}
		if batchErr != nil {
			return batchErr
		}
		if page.Next == nil {
			return nil
		}
		filter.From, filter.LastID = cursor.LocalTimestamp, cursor.LastID
	}
}

// bootstrap replays every snapshot of the peer not processed before and
// returns the cursor incremental sync starts from.
func (s *Synchronizer) bootstrap(ctx context.Context, peer string, st *PeerStatus) (*catalyst.SyncCursor, error) {
	snaps, err := s.deps.Client.ListSnapshots(ctx, peer)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(snaps, func(a, b *catalyst.Snapshot) int {
		return cmp.Compare(a.InitTimestamp, b.InitTimestamp)
	})

	cursor := &catalyst.SyncCursor{PeerAddress: peer}
	for _, snap := range snaps {
		cursor.LocalTimestamp = max(cursor.LocalTimestamp, snap.EndTimestamp)

		done, err := s.deps.DB.IsSnapshotProcessed(ctx, snap.Hash)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		if err := s.replaySnapshot(ctx, peer, snap.Hash, st); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.Hash, err)
		}
		if err := s.deps.DB.MarkSnapshotProcessed(ctx, snap.Hash, catalyst.NowMillis(s.deps.Clock)); err != nil {
			return nil, err
		}
	}
	return cursor, nil
}

func (s *Synchronizer) replaySnapshot(ctx context.Context, peer, hash string, st *PeerStatus) error {
	upload := s.deps.Staging.NewUpload()
	defer upload.Close()
	if err := s.download(ctx, peer, hash, upload); err != nil {
		return err
	}
	rc, _, err := upload.Open(ctx, hash)
	if err != nil {
		return err
	}
	defer rc.Close()

	batch := make([]remoteEntry, 0, s.cfg.PageSize)
	flush := func() error {
		err := s.processBatch(ctx, peer, batch, st, func(remoteEntry) {})
		batch = batch[:0]
		return err
	}
	err = catalyst.ReadSnapshot(rc, func(e catalyst.SnapshotEntry) error {
		batch = append(batch, remoteEntry{
			EntityID:       e.EntityID,
			EntityType:     e.EntityType,
			AuthChain:      e.AuthChain,
			LocalTimestamp: e.LocalTimestamp,
			SnapshotHash:   hash,
		})
		if len(batch) == cap(batch) {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// remoteEntry is a deployment announced by a peer, from its history or one
// of its snapshots.
type remoteEntry struct {
	EntityID       string
	EntityType     catalyst.EntityType
	AuthChain      catalyst.AuthChain
	LocalTimestamp int64
	SnapshotHash   string
}

type fetchResult struct {
	skip      bool
	candidate *catalyst.DeploymentCandidate
	upload    *staging.Upload
	err       error
}

func (r *fetchResult) close() {
	if r != nil && r.upload != nil {
		r.upload.Close()
	}
}

// processBatch downloads the entries in parallel and deploys them in order.
// advance is called for every entry that is done with, whether deployed,
// skipped or recorded as failed. It stops early only when the node itself
// cannot take more work.
func (s *Synchronizer) processBatch(ctx context.Context, peer string, entries []remoteEntry, st *PeerStatus, advance func(remoteEntry)) error {
	if len(entries) == 0 {
		return nil
	}
	results := make([]*fetchResult, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			results[i] = s.fetch(ctx, peer, e, false)
		})
		if err != nil {
			wg.Done()
			results[i] = &fetchResult{err: err}
		}
	}
	wg.Wait()
	defer func() {
		for _, r := range results {
			r.close()
		}
	}()

	for i, e := range entries {
		r := results[i]
		switch {
		case r.skip:
			st.Skipped++
		case r.err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.reportFetchFailure(ctx, peer, e, r.err)
			st.Failed++
		default:
			_, err := s.deps.Deployer.Deploy(ctx, r.candidate, s.cfg.Checks)
			if errors.Is(err, catalyst.ErrCapacity) || ctx.Err() != nil {
				return errors.Join(err, ctx.Err())
			}
			if err != nil {
				s.deps.Logger.Warn("remote deployment failed", "peer", peer, "entity", e.EntityID, "error", err)
				s.deps.Metrics.SyncFailed.WithLabelValues(peer).Inc()
				st.Failed++
			} else {
				s.deps.Metrics.SyncProcessed.WithLabelValues(peer).Inc()
				st.Processed++
			}
		}
		r.close()
		advance(e)
	}
	return nil
}

// fetch stages the entity file and whatever content is missing locally.
// With force set, known and previously failed entities are fetched anyway.
func (s *Synchronizer) fetch(ctx context.Context, peer string, e remoteEntry, force bool) *fetchResult {
	if !force {
		exists, err := s.deps.DB.DeploymentExists(ctx, e.EntityID)
		if err != nil {
			return &fetchResult{err: err}
		}
		if exists {
			return &fetchResult{skip: true}
		}
		retry, err := s.deps.Failed.ShouldRetry(ctx, e.EntityID, e.EntityType, s.cfg.RetryAfter)
		if err != nil {
			return &fetchResult{err: err}
		}
		if !retry {
			return &fetchResult{skip: true}
		}
	}

	upload := s.deps.Staging.NewUpload()
	res := &fetchResult{upload: upload}
	if res.err = s.download(ctx, peer, e.EntityID, upload); res.err != nil {
		return res
	}
	file, err := upload.ReadFile(ctx, e.EntityID)
	if err != nil {
		res.err = err
		return res
	}
	entity, err := catalyst.ParseEntity(e.EntityID, file)
	if err != nil {
		res.err = err
		return res
	}

	hashes := entity.ContentHashes()
	present, err := s.deps.Store.Exists(ctx, hashes...)
	if err != nil {
		res.err = err
		return res
	}
	for _, h := range hashes {
		if present[h] {
			continue
		}
		if res.err = s.download(ctx, peer, h, upload); res.err != nil {
			return res
		}
	}

	files := upload.Files()
	delete(files, entity.ID)
	res.candidate = &catalyst.DeploymentCandidate{
		Entity:       entity,
		EntityFile:   file,
		AuthChain:    e.AuthChain,
		Files:        files,
		Source:       upload,
		ReceivedAt:   e.LocalTimestamp,
		Mode:         catalyst.ModeSynced,
		SnapshotHash: e.SnapshotHash,
		PeerAddress:  peer,
	}
	return res
}

// download stages one file and checks it hashes to what was asked for.
func (s *Synchronizer) download(ctx context.Context, peer, hash string, upload *staging.Upload) error {
	rc, _, err := s.deps.Client.Fetch(ctx, peer, hash)
	if err != nil {
		return err
	}
	defer rc.Close()
	got, _, err := upload.Add(rc)
	if err != nil {
		if errors.Is(err, staging.ErrUploadTooLarge) {
			return err
		}
		return &catalyst.TransientPeerError{Peer: peer, Err: fmt.Errorf("downloading %s: %w", hash, err)}
	}
	if got != hash {
		return &catalyst.TransientPeerError{Peer: peer, Err: fmt.Errorf("downloaded %s but it hashes to %s", hash, got)}
	}
	return nil
}

func (s *Synchronizer) reportFetchFailure(ctx context.Context, peer string, e remoteEntry, cause error) {
	s.deps.Metrics.SyncFailed.WithLabelValues(peer).Inc()
	s.deps.Metrics.DeploymentFailures.WithLabelValues(string(catalyst.FailureFetch)).Inc()
	s.deps.Logger.Warn("could not fetch remote deployment", "peer", peer, "entity", e.EntityID, "error", cause)

	err := s.deps.Failed.Report(ctx, &catalyst.FailedDeployment{
		EntityID:         e.EntityID,
		EntityType:       e.EntityType,
		Reason:           catalyst.FailureFetch,
		AuthChain:        e.AuthChain,
		ErrorDescription: cause.Error(),
		SnapshotHash:     e.SnapshotHash,
		PeerAddress:      peer,
	})
	if err != nil {
		s.deps.Logger.Warn("could not record failed deployment", "entity", e.EntityID, "error", err)
	}
}

// RetryFailed fetches a failed entity again, from the peer it was first
// seen on when known and from every peer otherwise, and redeploys it.
func (s *Synchronizer) RetryFailed(ctx context.Context, entityID string, entityType catalyst.EntityType) (*catalyst.DeploymentResult, error) {
	fd, err := s.deps.Failed.Get(ctx, entityID, entityType)
	if err != nil {
		return nil, err
	}
	if fd == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFailedDeployment, entityID)
	}
	result, err := s.retry(ctx, fd)
	if err != nil {
		return nil, err
	}
	s.deps.Logger.Info("retried failed deployment", "entity", entityID, "status", result.Status)
	return result, nil
}

// retry redeploys a failed entity. When no peer can supply it the record is
// refreshed, restarting its retry delay. Deploy records its own failures.
func (s *Synchronizer) retry(ctx context.Context, fd *catalyst.FailedDeployment) (*catalyst.DeploymentResult, error) {
	var candidates []string
	if fd.PeerAddress != "" {
		candidates = []string{fd.PeerAddress}
	} else {
		peers, err := s.deps.Discovery.ListPeers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing peers: %w", err)
		}
		for _, p := range peers {
			candidates = append(candidates, p.Address)
		}
	}

	var errs []error
	for _, peer := range candidates {
		d, err := s.deps.Client.GetDeployment(ctx, peer, fd.EntityID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d == nil {
			continue
		}
		r := s.fetch(ctx, peer, remoteEntry{
			EntityID:       d.EntityID,
			EntityType:     d.EntityType,
			AuthChain:      d.AuthChain,
			LocalTimestamp: d.LocalTimestamp,
			SnapshotHash:   fd.SnapshotHash,
		}, true)
		if r.err != nil {
			r.close()
			errs = append(errs, r.err)
			continue
		}
		result, err := s.deps.Deployer.Deploy(ctx, r.candidate, s.cfg.Checks)
		r.close()
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	err := errors.Join(errs...)
	if err == nil {
		err = &catalyst.TransientPeerError{Peer: fd.PeerAddress, Err: fmt.Errorf("no peer has %s", fd.EntityID)}
	}
	if ctx.Err() == nil && !errors.Is(err, catalyst.ErrCapacity) {
		s.reportFetchFailure(ctx, fd.PeerAddress, remoteEntry{
			EntityID:     fd.EntityID,
			EntityType:   fd.EntityType,
			AuthChain:    fd.AuthChain,
			SnapshotHash: fd.SnapshotHash,
		}, err)
	}
	return nil, err
}
