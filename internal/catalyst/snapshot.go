package catalyst

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const snapshotHeader = "### catalyst snapshot v1"

const (
	DefaultSnapshotInterval   = time.Hour
	DefaultSnapshotCompaction = 24
)

// SnapshotConfig controls how history is cut into snapshots. Ranges are
// aligned to the Unix epoch so every node cuts the same boundaries.
type SnapshotConfig struct {
	Interval time.Duration
	// CompactionFactor is how many interval snapshots one compacted snapshot
	// covers. Values below 2 disable compaction.
	CompactionFactor int
}

// Snapshots generates snapshots of the deployment history.
type Snapshots struct {
	cfg     SnapshotConfig
	db      Database
	store   ContentStore
	pins    *Pins
	clock   Clock
	metrics *Metrics
	logger  Logger
}

// NewSnapshots shares pins with the garbage collector so a snapshot file is
// protected between being stored and being recorded.
func NewSnapshots(cfg SnapshotConfig, db Database, store ContentStore, pins *Pins, clock Clock, metrics *Metrics, logger Logger) *Snapshots {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSnapshotInterval
	}
	if cfg.CompactionFactor == 0 {
		cfg.CompactionFactor = DefaultSnapshotCompaction
	}
	if pins == nil {
		pins = NewPins()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Snapshots{cfg: cfg, db: db, store: store, pins: pins, clock: clock, metrics: metrics, logger: logger}
}

// Generate writes a snapshot for every completed interval that has
// deployments and none yet, then compacts completed larger ranges. It only
// relies on persisted snapshots, so an interrupted run is picked up by the
// next one.
func (s *Snapshots) Generate(ctx context.Context) ([]*Snapshot, error) {
	minTS, _, ok, err := s.db.LocalTimestampBounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading history bounds: %w", err)
	}
	if !ok {
		return nil, nil
	}

	existing, err := s.db.ListSnapshots(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	byRange := make(map[[2]int64]*Snapshot, len(existing))
	for _, snap := range existing {
		byRange[[2]int64{snap.InitTimestamp, snap.EndTimestamp}] = snap
	}

	interval := s.cfg.Interval.Milliseconds()
	now := NowMillis(s.clock)
	limit := alignDown(now, interval)

	var created []*Snapshot
	for from := alignDown(minTS, interval); from < limit; from += interval {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		to := from + interval
		if _, ok := byRange[[2]int64{from, to}]; ok {
			continue
		}
		snap, err := s.build(ctx, from, to, nil)
		if err != nil {
			return created, err
		}
		if snap == nil {
			continue
		}
		byRange[[2]int64{from, to}] = snap
		created = append(created, snap)
	}

	if s.cfg.CompactionFactor >= 2 {
		compacted, err := s.compact(ctx, byRange, minTS, limit)
		created = append(created, compacted...)
		if err != nil {
			return created, err
		}
	}

	if len(created) > 0 {
		s.logger.Info("snapshots generated", "count", len(created))
	}
	return created, nil
}

func (s *Snapshots) compact(ctx context.Context, byRange map[[2]int64]*Snapshot, minTS, limit int64) ([]*Snapshot, error) {
	interval := s.cfg.Interval.Milliseconds()
	span := interval * int64(s.cfg.CompactionFactor)

	var created []*Snapshot
	for from := alignDown(minTS, span); from+span <= limit; from += span {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		to := from + span
		if _, ok := byRange[[2]int64{from, to}]; ok {
			continue
		}
		var replaced []string
		for t := from; t < to; t += interval {
			if small, ok := byRange[[2]int64{t, t + interval}]; ok && small.ReplacedBy == "" {
				replaced = append(replaced, small.Hash)
			}
		}
		if len(replaced) < 2 {
			continue
		}
		snap, err := s.build(ctx, from, to, replaced)
		if err != nil {
			return created, err
		}
		if snap == nil {
			continue
		}
		byRange[[2]int64{from, to}] = snap
		created = append(created, snap)
	}
	return created, nil
}

// build writes the snapshot file for [from, to) and records it. It returns
// nil when the range has no deployments.
func (s *Snapshots) build(ctx context.Context, from, to int64, replaced []string) (*Snapshot, error) {
	deployments, err := s.db.DeploymentsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading deployments for snapshot [%d, %d): %w", from, to, err)
	}
	if len(deployments) == 0 {
		return nil, nil
	}

	data, err := EncodeSnapshot(deployments)
	if err != nil {
		return nil, err
	}
	hash := HashBytes(data)
	unpin := s.pins.Pin(hash)
	defer unpin()
	if err := s.store.Store(ctx, hash, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, &StorageError{Op: "store snapshot", Hash: hash, Err: err}
	}

	sort.Strings(replaced)
	snap := &Snapshot{
		Hash:             hash,
		InitTimestamp:    from,
		EndTimestamp:     to,
		ReplacedHashes:   replaced,
		NumberOfEntities: len(deployments),
		GenerationTime:   NowMillis(s.clock),
	}
	if err := s.db.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving snapshot %s: %w", hash, err)
	}
	s.metrics.SnapshotsGenerated.Inc()
	s.logger.Debug("snapshot written",
		"hash", hash,
		"from", time.UnixMilli(from).UTC(),
		"to", time.UnixMilli(to).UTC(),
		"entities", len(deployments),
		"replaces", len(replaced))
	return snap, nil
}

// Active returns the snapshots a bootstrapping peer should download.
func (s *Snapshots) Active(ctx context.Context) ([]*Snapshot, error) {
	return s.db.ListSnapshots(ctx, false)
}

func alignDown(ts, step int64) int64 {
	if ts >= 0 {
		return ts - ts%step
	}
	return ts - (step+ts%step)%step
}

// EncodeSnapshot renders deployments as a snapshot file: a header line then
// one JSON entry per line ordered by (local timestamp, entity id). Equal
// input always yields equal bytes.
func EncodeSnapshot(deployments []*Deployment) ([]byte, error) {
	sorted := make([]*Deployment, len(deployments))
	copy(sorted, deployments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].LocalTimestamp != sorted[j].LocalTimestamp {
			return sorted[i].LocalTimestamp < sorted[j].LocalTimestamp
		}
		return sorted[i].EntityID < sorted[j].EntityID
	})

	var buf bytes.Buffer
	buf.WriteString(snapshotHeader)
	buf.WriteByte('\n')
	enc := json.NewEncoder(&buf)
	for _, d := range sorted {
		entry := SnapshotEntry{
			EntityID:        d.EntityID,
			EntityType:      d.EntityType,
			Pointers:        d.Pointers,
			EntityTimestamp: d.EntityTimestamp,
			LocalTimestamp:  d.LocalTimestamp,
			AuthChain:       d.AuthChain,
		}
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("encoding snapshot entry %s: %w", d.EntityID, err)
		}
	}
	return buf.Bytes(), nil
}

// ReadSnapshot calls fn for every entry of a snapshot file, stopping at the
// first error fn returns.
func ReadSnapshot(r io.Reader, fn func(SnapshotEntry) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if line != snapshotHeader {
				return fmt.Errorf("unexpected snapshot header %q", line)
			}
			continue
		}
		if line == "" {
			continue
		}
		var entry SnapshotEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("decoding snapshot entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	return nil
}
