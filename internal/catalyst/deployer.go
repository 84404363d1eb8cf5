package catalyst

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// DeploymentStatus is the outcome of a committed deployment.
type DeploymentStatus string

const (
	// StatusDeployed means the entity became active on at least one pointer.
	StatusDeployed DeploymentStatus = "deployed"
	// StatusOverwritten means a synced entity was recorded but lost every
	// pointer to newer deployments.
	StatusOverwritten DeploymentStatus = "overwritten"
	// StatusAlreadyExists means the entity id had been committed before.
	StatusAlreadyExists DeploymentStatus = "already_exists"
)

type DeploymentResult struct {
	EntityID       string            `json:"entityId"`
	Status         DeploymentStatus  `json:"status"`
	LocalTimestamp int64             `json:"localTimestamp"`
	Conflicts      []PointerConflict `json:"conflicts,omitempty"`
}

// Deployer validates candidates and commits them, resolving pointer
// conflicts last-writer-wins.
type Deployer struct {
	db        Database
	store     ContentStore
	validator *Validator
	failed    *FailedDeployments
	pins      *Pins
	clock     Clock
	metrics   *Metrics
	logger    Logger
}

func NewDeployer(db Database, store ContentStore, validator *Validator, failed *FailedDeployments, pins *Pins, clock Clock, metrics *Metrics, logger Logger) *Deployer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Deployer{
		db:        db,
		store:     store,
		validator: validator,
		failed:    failed,
		pins:      pins,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
	}
}

// Deploy validates the candidate with the given checks and commits it.
// Validation problems come back as *ValidationError and a local candidate
// that loses every pointer as *ConflictError. Failures of synced candidates
// are recorded as failed deployments.
func (d *Deployer) Deploy(ctx context.Context, c *DeploymentCandidate, checks Check) (*DeploymentResult, error) {
	e := c.Entity
	exists, err := d.db.DeploymentExists(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("checking deployment %s: %w", e.ID, err)
	}
	if exists {
		return &DeploymentResult{EntityID: e.ID, Status: StatusAlreadyExists}, nil
	}

	problems, err := d.validator.Validate(ctx, c, checks)
	if err != nil {
		return nil, fmt.Errorf("validating deployment %s: %w", e.ID, err)
	}
	if len(problems) > 0 {
		verr := &ValidationError{Problems: problems}
		d.recordFailure(ctx, c, FailureValidation, verr)
		return nil, verr
	}

	hashes := append([]string{e.ID}, e.ContentHashes()...)
	unpin := d.pins.Pin(hashes...)
	defer unpin()

	if err := d.storeFiles(ctx, c); err != nil {
		d.recordFailure(ctx, c, FailureDeployment, err)
		return nil, err
	}

	result, err := d.commit(ctx, c)
	if err != nil {
		var conflict *ConflictError
		if !errors.As(err, &conflict) && !errors.Is(err, ErrCapacity) && ctx.Err() == nil {
			d.recordFailure(ctx, c, FailureDeployment, err)
		}
		return nil, err
	}

	d.metrics.Deployments.WithLabelValues(string(e.Type), string(result.Status)).Inc()
	d.logger.Info("deployment committed",
		"entity", e.ID,
		"type", e.Type,
		"mode", c.Mode,
		"status", result.Status,
		"pointers", len(e.Pointers))
	return result, nil
}

// storeFiles copies the entity file and the uploaded content into the
// content store. Content already present is not copied again.
func (d *Deployer) storeFiles(ctx context.Context, c *DeploymentCandidate) error {
	e := c.Entity
	if err := d.store.Store(ctx, e.ID, bytes.NewReader(c.EntityFile), int64(len(c.EntityFile))); err != nil {
		return storageError("store", e.ID, err)
	}
	if len(c.Files) == 0 {
		return nil
	}

	uploaded := make([]string, 0, len(c.Files))
	for hash := range c.Files {
		uploaded = append(uploaded, hash)
	}
	present, err := d.store.Exists(ctx, uploaded...)
	if err != nil {
		return storageError("exists", "", err)
	}
	for _, hash := range uploaded {
		if present[hash] {
			continue
		}
		if err := d.copyFile(ctx, c.Source, hash); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployer) copyFile(ctx context.Context, src FileSource, hash string) error {
	if src == nil {
		return &StorageError{Op: "store", Hash: hash, Err: errors.New("no source for uploaded file")}
	}
	r, size, err := src.Open(ctx, hash)
	if err != nil {
		return &StorageError{Op: "open", Hash: hash, Err: err}
	}
	defer r.Close()
	if err := d.store.Store(ctx, hash, r, size); err != nil {
		return storageError("store", hash, err)
	}
	return nil
}

// storageError wraps err unless the store already reported a StorageError.
func storageError(op, hash string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Hash: hash, Err: err}
}

// commit runs the conflict resolution as a single transaction. The local
// timestamp is taken inside it and is strictly greater than any committed
// before, so history read in (localTimestamp, entityId) order never gains
// entries behind a reader's cursor.
func (d *Deployer) commit(ctx context.Context, c *DeploymentCandidate) (*DeploymentResult, error) {
	e := c.Entity
	deletion := e.IsDeletion()
	result := &DeploymentResult{EntityID: e.ID}

	err := d.db.Transact(ctx, func(ctx context.Context, tx Tx) error {
		exists, err := tx.DeploymentExists(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("checking deployment: %w", err)
		}
		if exists {
			result.Status = StatusAlreadyExists
			return nil
		}

		last, err := tx.LastLocalTimestamp(ctx)
		if err != nil {
			return err
		}
		now := max(NowMillis(d.clock), last+1)
		result.LocalTimestamp = now

		var won []string
		var lost []PointerConflict
		var superseded []string
		seen := make(map[string]struct{})
		for _, p := range e.Pointers {
			head, err := tx.PointerHead(ctx, p)
			if err != nil {
				return fmt.Errorf("reading pointer %s: %w", p, err)
			}
			if head != nil && !head.Beats(e.Timestamp, e.ID) {
				lost = append(lost, PointerConflict{Pointer: p, EntityID: head.EntityID})
				continue
			}
			won = append(won, p)
			if head == nil {
				continue
			}
			if _, ok := seen[head.EntityID]; !ok {
				seen[head.EntityID] = struct{}{}
				superseded = append(superseded, head.EntityID)
			}
		}

		if len(won) == 0 && c.Mode == ModeLocal {
			return &ConflictError{Conflicts: lost}
		}

		dep := &Deployment{
			EntityID:        e.ID,
			EntityType:      e.Type,
			Pointers:        e.Pointers,
			EntityTimestamp: e.Timestamp,
			Version:         e.Version,
			Content:         e.Content,
			Metadata:        e.Metadata,
			DeployerAddress: c.Deployer(),
			AuthChain:       c.AuthChain,
			LocalTimestamp:  now,
		}
		if len(lost) > 0 {
			dep.OverwrittenBy = lost[0].EntityID
			dep.OverwrittenAt = now
		}
		if err := tx.InsertDeployment(ctx, dep); err != nil {
			return fmt.Errorf("inserting deployment: %w", err)
		}

		for _, id := range superseded {
			if err := tx.MarkOverwritten(ctx, id, e.ID, now, deletion); err != nil {
				return fmt.Errorf("marking %s overwritten: %w", id, err)
			}
		}
		for _, p := range won {
			if deletion {
				err = tx.DeleteActivePointer(ctx, p)
			} else {
				err = tx.SetActivePointer(ctx, p, e.ID)
			}
			if err != nil {
				return fmt.Errorf("updating pointer %s: %w", p, err)
			}
		}
		if err := tx.DeleteFailedDeployment(ctx, e.ID, e.Type); err != nil {
			return fmt.Errorf("clearing failed deployment: %w", err)
		}

		result.Conflicts = lost
		if len(won) == 0 {
			result.Status = StatusOverwritten
		} else {
			result.Status = StatusDeployed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deployer) recordFailure(ctx context.Context, c *DeploymentCandidate, reason FailureReason, cause error) {
	d.metrics.DeploymentFailures.WithLabelValues(string(reason)).Inc()
	if c.Mode != ModeSynced {
		return
	}
	err := d.failed.Report(ctx, &FailedDeployment{
		EntityID:         c.Entity.ID,
		EntityType:       c.Entity.Type,
		Reason:           reason,
		AuthChain:        c.AuthChain,
		ErrorDescription: cause.Error(),
		SnapshotHash:     c.SnapshotHash,
		PeerAddress:      c.PeerAddress,
	})
	if err != nil {
		d.logger.Warn("could not record failed deployment", "entity", c.Entity.ID, "error", err)
	}
}
