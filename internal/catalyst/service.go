package catalyst

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"catalyst-go/internal/queue"
)

// AdminAuthorizer checks that a privileged request was signed by an
// administrator. payload is the exact text the final link must sign.
type AdminAuthorizer interface {
	Authorize(chain AuthChain, payload string) error
}

// ErrUnauthorized is returned when a privileged request is not signed by an
// administrator.
var ErrUnauthorized = errors.New("not authorized")

// Service is the entry point used by the HTTP layer and the CLI.
type Service struct {
	nodeID    string
	db        Database
	store     ContentStore
	denylist  Denylist
	deployer  *Deployer
	failed    *FailedDeployments
	snapshots *Snapshots
	admins    AdminAuthorizer
	window    time.Duration
	queue     *queue.Queue
	clock     Clock
	logger    Logger
}

// ServiceDeps groups the collaborators of a Service.
type ServiceDeps struct {
	DB        Database
	Store     ContentStore
	Denylist  Denylist
	Deployer  *Deployer
	Failed    *FailedDeployments
	Snapshots *Snapshots
	Admins    AdminAuthorizer
	// SignatureWindow bounds how far a signed administration timestamp may
	// be from now. Zero means DefaultSignatureWindow.
	SignatureWindow time.Duration
	Queue           *queue.Queue
	Clock           Clock
	Logger          Logger
}

func NewService(nodeID string, deps ServiceDeps) *Service {
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.SignatureWindow <= 0 {
		deps.SignatureWindow = DefaultSignatureWindow
	}
	return &Service{
		nodeID:    nodeID,
		db:        deps.DB,
		store:     deps.Store,
		denylist:  deps.Denylist,
		deployer:  deps.Deployer,
		failed:    deps.Failed,
		snapshots: deps.Snapshots,
		admins:    deps.Admins,
		window:    deps.SignatureWindow,
		queue:     deps.Queue,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
}

// DeployRequest is an upload as received by the HTTP layer. Files holds the
// hash and size of every uploaded content file; the bytes are read from
// Source.
type DeployRequest struct {
	EntityID   string
	EntityFile []byte
	AuthChain  AuthChain
	Files      map[string]int64
	Source     FileSource
}

// Deploy validates and commits a local upload.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeploymentResult, error) {
	entity, err := ParseEntity(req.EntityID, req.EntityFile)
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	files := req.Files
	if files != nil {
		// The entity file may be uploaded alongside the content.
		delete(files, entity.ID)
	}
	c := &DeploymentCandidate{
		Entity:     entity,
		EntityFile: req.EntityFile,
		AuthChain:  req.AuthChain,
		Files:      files,
		Source:     req.Source,
		ReceivedAt: NowMillis(s.clock),
		Mode:       ModeLocal,
	}
	return s.deployer.Deploy(ctx, c, AllChecks)
}

// GetActiveEntities returns the entities currently active on the pointers,
// leaving out denylisted ones.
func (s *Service) GetActiveEntities(ctx context.Context, pointers []string) ([]*Entity, error) {
	deployments, err := s.db.GetActiveDeployments(ctx, NormalizePointers(pointers))
	if err != nil {
		return nil, fmt.Errorf("getting active deployments: %w", err)
	}
	return s.visibleEntities(ctx, deployments)
}

// GetEntities returns entities by id, leaving out denylisted ones.
func (s *Service) GetEntities(ctx context.Context, ids []string) ([]*Entity, error) {
	lowered := make([]string, len(ids))
	for i, id := range ids {
		lowered[i] = strings.ToLower(id)
	}
	deployments, err := s.db.GetDeployments(ctx, lowered)
	if err != nil {
		return nil, fmt.Errorf("getting deployments: %w", err)
	}
	return s.visibleEntities(ctx, deployments)
}

func (s *Service) visibleEntities(ctx context.Context, deployments []*Deployment) ([]*Entity, error) {
	visible, err := s.filterDenylisted(ctx, deployments)
	if err != nil {
		return nil, err
	}
	entities := make([]*Entity, len(visible))
	for i, d := range visible {
		entities[i] = d.Entity()
	}
	return entities, nil
}

func (s *Service) filterDenylisted(ctx context.Context, deployments []*Deployment) ([]*Deployment, error) {
	if len(deployments) == 0 {
		return deployments, nil
	}
	var targets []DenylistTarget
	for _, d := range deployments {
		targets = append(targets, DenylistTarget{Type: TargetEntity, ID: d.EntityID})
		targets = append(targets, DenylistTarget{Type: TargetAddress, ID: d.DeployerAddress})
	}
	denied, err := s.denylist.AreDenylisted(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("checking denylist: %w", err)
	}
	out := deployments[:0:0]
	for _, d := range deployments {
		entityKey := DenylistTarget{Type: TargetEntity, ID: d.EntityID}.Key()
		deployerKey := DenylistTarget{Type: TargetAddress, ID: d.DeployerAddress}.Key()
		if denied[entityKey] || denied[deployerKey] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// GetContent opens stored content. It returns ErrDenylisted for denylisted
// hashes and ErrContentNotFound for unknown ones.
func (s *Service) GetContent(ctx context.Context, hash string) (io.ReadCloser, error) {
	hash = strings.ToLower(hash)
	denied, err := s.denylist.IsDenylisted(ctx, DenylistTarget{Type: TargetContent, ID: hash})
	if err != nil {
		return nil, fmt.Errorf("checking denylist: %w", err)
	}
	if denied {
		return nil, ErrDenylisted
	}
	return s.store.Retrieve(ctx, hash)
}

// DeploymentPage is one page of history plus the cursor for the next one.
type DeploymentPage struct {
	Deployments []*Deployment `json:"deployments"`
	Next        *PageCursor   `json:"next,omitempty"`
}

// PageCursor continues a listing: the next request keeps the filter and sets
// From (ascending) or To (descending) to Timestamp and LastID to LastID.
type PageCursor struct {
	Timestamp int64  `json:"timestamp"`
	LastID    string `json:"lastId"`
}

// ListDeployments returns a page of history. Denylisted deployments are
// skipped but still advance the cursor.
func (s *Service) ListDeployments(ctx context.Context, filter DeploymentFilter) (*DeploymentPage, error) {
	filter = filter.Normalize()
	deployments, err := s.db.ListDeployments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}

	page := &DeploymentPage{}
	if len(deployments) == filter.Limit {
		last := deployments[len(deployments)-1]
		ts := last.LocalTimestamp
		if filter.SortBy == SortByEntityTimestamp {
			ts = last.EntityTimestamp
		}
		page.Next = &PageCursor{Timestamp: ts, LastID: last.EntityID}
	}
	page.Deployments, err = s.filterDenylisted(ctx, deployments)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ListSnapshots returns the snapshots that are not replaced.
func (s *Service) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	return s.snapshots.Active(ctx)
}

func (s *Service) ListFailedDeployments(ctx context.Context) ([]*FailedDeployment, error) {
	return s.failed.List(ctx)
}

func (s *Service) ClearFailedDeployment(ctx context.Context, entityID string, entityType EntityType) error {
	return s.failed.Clear(ctx, strings.ToLower(entityID), entityType)
}

// DenylistAction is the verb of a denylist administration request.
type DenylistAction string

const (
	DenylistAdd    DenylistAction = "add"
	DenylistRemove DenylistAction = "remove"
)

// DenylistPayload is the text an administrator signs to change the denylist.
func DenylistPayload(action DenylistAction, target DenylistTarget, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", action, target.Type, strings.ToLower(target.ID), timestamp)
}

// ChangeDenylist applies a signed denylist change. The signed timestamp must
// be within the signature window of now, so a captured request cannot be
// replayed later.
func (s *Service) ChangeDenylist(ctx context.Context, action DenylistAction, target DenylistTarget, timestamp int64, chain AuthChain) error {
	if !target.Type.Valid() || target.ID == "" {
		return &ValidationError{Problems: []string{fmt.Sprintf("invalid denylist target %s:%s", target.Type, target.ID)}}
	}
	skew := time.Duration(NowMillis(s.clock)-timestamp) * time.Millisecond
	if skew.Abs() > s.window {
		return fmt.Errorf("%w: request signed %s away from now, more than the allowed %s", ErrUnauthorized, skew.Abs(), s.window)
	}
	if err := s.admins.Authorize(chain, DenylistPayload(action, target, timestamp)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	target.ID = strings.ToLower(target.ID)

	switch action {
	case DenylistAdd:
		err := s.denylist.Add(ctx, DenylistEntry{Target: target, Timestamp: timestamp, AuthChain: chain})
		if err != nil {
			return fmt.Errorf("adding %s to denylist: %w", target.Key(), err)
		}
	case DenylistRemove:
		if err := s.denylist.Remove(ctx, target); err != nil {
			return fmt.Errorf("removing %s from denylist: %w", target.Key(), err)
		}
	default:
		return &ValidationError{Problems: []string{fmt.Sprintf("unknown denylist action %q", action)}}
	}
	s.logger.Info("denylist changed", "action", action, "target", target.Key(), "by", chain.Signer())
	return nil
}

// IsDenylisted reports whether a single target is denylisted.
func (s *Service) IsDenylisted(ctx context.Context, target DenylistTarget) (bool, error) {
	return s.denylist.IsDenylisted(ctx, target)
}

func (s *Service) ListDenylist(ctx context.Context) ([]*DenylistEntry, error) {
	return s.denylist.List(ctx)
}

// Status describes the node.
type Status struct {
	NodeID       string `json:"nodeId"`
	CurrentTime  int64  `json:"currentTime"`
	QueueOngoing int    `json:"queueOngoing"`
	QueueQueued  int    `json:"queueQueued"`
}

func (s *Service) Status() Status {
	st := Status{NodeID: s.nodeID, CurrentTime: NowMillis(s.clock)}
	if s.queue != nil {
		qs := s.queue.Stats()
		st.QueueOngoing = qs.Ongoing
		st.QueueQueued = qs.Queued
	}
	return st
}
