package catalyst

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Check is one validation step. Checks combine into a bitset.
type Check uint16

const (
	CheckSignature Check = 1 << iota
	CheckRequestSize
	CheckAccess
	CheckEntityStructure
	CheckFreshness
	CheckContent
	CheckEntityHash
)

const (
	// AllChecks is used for local uploads.
	AllChecks = CheckSignature | CheckRequestSize | CheckAccess | CheckEntityStructure |
		CheckFreshness | CheckContent | CheckEntityHash

	// SyncChecks is used for history pulled from peers, which may legitimately
	// be older than what a pointer shows now.
	SyncChecks = AllChecks &^ CheckFreshness
)

func (c Check) Has(other Check) bool { return c&other == other }

var checkNames = []struct {
	check Check
	name  string
}{
	{CheckSignature, "SIGNATURE"},
	{CheckRequestSize, "REQUEST_SIZE"},
	{CheckAccess, "ACCESS"},
	{CheckEntityStructure, "ENTITY_STRUCTURE"},
	{CheckFreshness, "FRESHNESS"},
	{CheckContent, "CONTENT"},
	{CheckEntityHash, "ENTITY_HASH"},
}

func (c Check) String() string {
	var names []string
	for _, n := range checkNames {
		if c.Has(n.check) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseChecks turns names like "SIGNATURE" into a bitset.
func ParseChecks(names []string) (Check, error) {
	var c Check
	for _, name := range names {
		found := false
		for _, n := range checkNames {
			if strings.EqualFold(n.name, name) {
				c |= n.check
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown validation check %q", name)
		}
	}
	return c, nil
}

// DeploymentMode says where a candidate came from.
type DeploymentMode int

const (
	// ModeLocal is an upload to this node.
	ModeLocal DeploymentMode = iota
	// ModeSynced is history pulled from a peer.
	ModeSynced
)

func (m DeploymentMode) String() string {
	if m == ModeSynced {
		return "synced"
	}
	return "local"
}

// DeploymentCandidate is a deployment that has not been validated yet.
type DeploymentCandidate struct {
	Entity     *Entity
	EntityFile []byte
	AuthChain  AuthChain

	// Files maps the hash of every uploaded content file to its size. The
	// entity file itself is not included.
	Files  map[string]int64
	Source FileSource

	// ReceivedAt is when the deployment was first accepted: now for uploads,
	// the origin node's local timestamp for synced history.
	ReceivedAt int64
	Mode       DeploymentMode

	// SnapshotHash and PeerAddress describe where a synced candidate was found.
	SnapshotHash string
	PeerAddress  string
}

// Deployer returns the root signer of the auth chain.
func (c *DeploymentCandidate) Deployer() string { return c.AuthChain.Signer() }

// UploadedBytes is the total size of the request.
func (c *DeploymentCandidate) UploadedBytes() int64 {
	total := int64(len(c.EntityFile))
	for _, size := range c.Files {
		total += size
	}
	return total
}

// ValidatorConfig holds the limits the validator enforces.
type ValidatorConfig struct {
	// MaxRequestSize caps UploadedBytes. Zero disables the limit.
	MaxRequestSize int64
	// SignatureWindow bounds |ReceivedAt - entity timestamp|.
	SignatureWindow time.Duration
	// FreshnessTolerance is how far behind the current head of a pointer a
	// candidate may be and still be treated as a concurrent deployment.
	FreshnessTolerance time.Duration
}

const (
	DefaultSignatureWindow    = 10 * time.Minute
	DefaultFreshnessTolerance = 5 * time.Minute
)

// Validator runs the enabled checks against a candidate. Every enabled check
// runs; problems are aggregated.
type Validator struct {
	cfg      ValidatorConfig
	db       Database
	store    ContentStore
	denylist Denylist
	access   AccessChecker
	chains   ChainVerifier
}

func NewValidator(cfg ValidatorConfig, db Database, store ContentStore, denylist Denylist, access AccessChecker, chains ChainVerifier) *Validator {
	if cfg.SignatureWindow == 0 {
		cfg.SignatureWindow = DefaultSignatureWindow
	}
	if cfg.FreshnessTolerance == 0 {
		cfg.FreshnessTolerance = DefaultFreshnessTolerance
	}
	return &Validator{cfg: cfg, db: db, store: store, denylist: denylist, access: access, chains: chains}
}

// Validate returns the problems found. An error means a check could not run,
// e.g. the database was unavailable, and the candidate was not judged.
func (v *Validator) Validate(ctx context.Context, c *DeploymentCandidate, checks Check) ([]string, error) {
	type step struct {
		check Check
		run   func(context.Context, *DeploymentCandidate) ([]string, error)
	}
	steps := []step{
		{CheckSignature, v.checkSignature},
		{CheckRequestSize, v.checkRequestSize},
		{CheckAccess, v.checkAccess},
		{CheckEntityStructure, v.checkStructure},
		{CheckFreshness, v.checkFreshness},
		{CheckContent, v.checkContent},
		{CheckEntityHash, v.checkEntityHash},
	}

	var problems []string
	for _, s := range steps {
		if !checks.Has(s.check) {
			continue
		}
		found, err := s.run(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("%s check: %w", s.check, err)
		}
		problems = append(problems, found...)
	}
	return problems, nil
}

func (v *Validator) checkSignature(_ context.Context, c *DeploymentCandidate) ([]string, error) {
	deployer := c.Deployer()
	if deployer == "" {
		return []string{"auth chain must start with a SIGNER link"}, nil
	}
	var problems []string
	signer, err := v.chains.Verify(c.AuthChain, c.Entity.ID, c.Entity.Timestamp)
	if err != nil {
		problems = append(problems, fmt.Sprintf("auth chain is invalid: %v", err))
	} else if !strings.EqualFold(signer, deployer) {
		problems = append(problems, fmt.Sprintf("auth chain signer %s does not match deployer %s", signer, deployer))
	}

	skew := time.Duration(c.ReceivedAt-c.Entity.Timestamp) * time.Millisecond
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.SignatureWindow {
		problems = append(problems, fmt.Sprintf("entity timestamp is %s away from receipt, more than the allowed %s", skew, v.cfg.SignatureWindow))
	}
	return problems, nil
}

func (v *Validator) checkRequestSize(_ context.Context, c *DeploymentCandidate) ([]string, error) {
	if v.cfg.MaxRequestSize <= 0 {
		return nil, nil
	}
	if size := c.UploadedBytes(); size > v.cfg.MaxRequestSize {
		return []string{fmt.Sprintf("deployment is %d bytes, more than the allowed %d", size, v.cfg.MaxRequestSize)}, nil
	}
	return nil, nil
}

func (v *Validator) checkAccess(ctx context.Context, c *DeploymentCandidate) ([]string, error) {
	return v.access.HasAccess(ctx, c.Entity.Type, c.Entity.Pointers, c.Entity.Timestamp, c.Deployer())
}

func (v *Validator) checkStructure(ctx context.Context, c *DeploymentCandidate) ([]string, error) {
	e := c.Entity
	var problems []string
	if !e.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown entity type %q", e.Type))
	}
	if len(e.Pointers) == 0 {
		problems = append(problems, "entity must have at least one pointer")
	}

	referenced := make(map[string]struct{}, len(e.Content))
	files := make(map[string]struct{}, len(e.Content))
	for _, m := range e.Content {
		if m.File == "" || m.Hash == "" {
			problems = append(problems, "content entries need both a file name and a hash")
			continue
		}
		if _, dup := files[m.File]; dup {
			problems = append(problems, fmt.Sprintf("file %s is listed more than once", m.File))
		}
		files[m.File] = struct{}{}
		referenced[m.Hash] = struct{}{}
	}
	for hash := range c.Files {
		if _, ok := referenced[hash]; !ok {
			problems = append(problems, fmt.Sprintf("uploaded file %s is not referenced by the entity", hash))
		}
	}

	denied, err := v.denylist.AreDenylisted(ctx, DeploymentTargets(e, c.Deployer()))
	if err != nil {
		return nil, err
	}
	for _, t := range DeploymentTargets(e, c.Deployer()) {
		if denied[t.Key()] {
			problems = append(problems, fmt.Sprintf("%s %s is denylisted", t.Type, t.ID))
		}
	}
	return problems, nil
}

func (v *Validator) checkFreshness(ctx context.Context, c *DeploymentCandidate) ([]string, error) {
	active, err := v.db.GetActiveDeployments(ctx, c.Entity.Pointers)
	if err != nil {
		return nil, err
	}
	tolerance := v.cfg.FreshnessTolerance.Milliseconds()
	var problems []string
	for _, d := range active {
		if d.EntityID == c.Entity.ID {
			continue
		}
		if d.EntityTimestamp-c.Entity.Timestamp > tolerance {
			problems = append(problems, fmt.Sprintf("there is a newer entity %s on pointers %s", d.EntityID, strings.Join(d.Pointers, ",")))
		}
	}
	return problems, nil
}

func (v *Validator) checkContent(ctx context.Context, c *DeploymentCandidate) ([]string, error) {
	var missing []string
	for _, hash := range c.Entity.ContentHashes() {
		if _, uploaded := c.Files[hash]; !uploaded {
			missing = append(missing, hash)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	present, err := v.store.Exists(ctx, missing...)
	if err != nil {
		return nil, err
	}
	var problems []string
	for _, hash := range missing {
		if !present[hash] {
			problems = append(problems, fmt.Sprintf("content %s was neither uploaded nor previously stored", hash))
		}
	}
	return problems, nil
}

func (v *Validator) checkEntityHash(_ context.Context, c *DeploymentCandidate) ([]string, error) {
	if got := HashBytes(c.EntityFile); got != c.Entity.ID {
		return []string{fmt.Sprintf("entity id %s does not match the entity file hash %s", c.Entity.ID, got)}, nil
	}
	return nil, nil
}
