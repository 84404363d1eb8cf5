package catalyst_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"catalyst-go/internal/catalyst"
)

func readSnapshot(t *testing.T, f *fixture, hash string) []catalyst.SnapshotEntry {
	t.Helper()
	r, err := f.store.Retrieve(context.Background(), hash)
	if err != nil {
		t.Fatalf("Retrieve(%s) error = %v", hash, err)
	}
	defer r.Close()
	var entries []catalyst.SnapshotEntry
	err = catalyst.ReadSnapshot(r, func(e catalyst.SnapshotEntry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	return entries
}

func TestSnapshots_Generate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := catalyst.NewSnapshots(catalyst.SnapshotConfig{Interval: time.Hour, CompactionFactor: 2},
		f.db, f.store, f.pins, f.clock, nil, nil)

	// The fixture clock starts at 10:30 UTC.
	first := f.entity(t, 0, "0,0").Build()
	second := f.entity(t, 0, "0,1").Build()
	f.mustDeploy(t, first, catalyst.ModeLocal)
	f.mustDeploy(t, second, catalyst.ModeLocal)

	t.Run("current interval is not snapshotted", func(t *testing.T) {
		created, err := snaps.Generate(ctx)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if len(created) != 0 {
			t.Errorf("created %d snapshots, want 0", len(created))
		}
	})

	var hourly *catalyst.Snapshot
	t.Run("completed interval", func(t *testing.T) {
		f.clock.Advance(time.Hour)
		created, err := snaps.Generate(ctx)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if len(created) != 1 {
			t.Fatalf("created %d snapshots, want 1", len(created))
		}
		hourly = created[0]
		if hourly.NumberOfEntities != 2 {
			t.Errorf("NumberOfEntities = %d, want 2", hourly.NumberOfEntities)
		}
		if hourly.EndTimestamp-hourly.InitTimestamp != time.Hour.Milliseconds() {
			t.Errorf("range = [%d, %d), want one hour", hourly.InitTimestamp, hourly.EndTimestamp)
		}

		entries := readSnapshot(t, f, hourly.Hash)
		if len(entries) != 2 {
			t.Fatalf("entries = %d, want 2", len(entries))
		}
		ids := map[string]bool{entries[0].EntityID: true, entries[1].EntityID: true}
		if !ids[first.Entity.ID] || !ids[second.Entity.ID] {
			t.Errorf("entries = %+v", entries)
		}

		again, err := snaps.Generate(ctx)
		if err != nil {
			t.Fatalf("second Generate() error = %v", err)
		}
		if len(again) != 0 {
			t.Errorf("second Generate() created %d, want 0", len(again))
		}
	})

	t.Run("compaction replaces interval snapshots", func(t *testing.T) {
		if hourly == nil {
			t.Skip("no hourly snapshot")
		}
		third := f.entity(t, 0, "0,2").Build()
		f.mustDeploy(t, third, catalyst.ModeLocal)
		f.clock.Advance(time.Hour)

		created, err := snaps.Generate(ctx)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if len(created) != 2 {
			t.Fatalf("created %d snapshots, want hourly plus compacted", len(created))
		}
		compacted := created[1]
		if len(compacted.ReplacedHashes) != 2 || compacted.NumberOfEntities != 3 {
			t.Errorf("compacted = %+v", compacted)
		}

		active, err := snaps.Active(ctx)
		if err != nil {
			t.Fatalf("Active() error = %v", err)
		}
		if len(active) != 1 || active[0].Hash != compacted.Hash {
			t.Errorf("active = %+v, want only the compacted snapshot", active)
		}
	})
}

// sweepAfterStore runs a garbage collection sweep right after every write,
// as the scheduler's gc task may do while snapshots are generated.
type sweepAfterStore struct {
	catalyst.ContentStore
	sweep func()
}

func (s *sweepAfterStore) Store(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := s.ContentStore.Store(ctx, hash, r, size); err != nil {
		return err
	}
	s.sweep()
	return nil
}

func TestSnapshots_GenerateDuringSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gc := catalyst.NewGarbageCollector(f.db, f.store, f.pins, time.Minute, f.clock, nil, nil)
	sweep := func() {
		if _, err := gc.Sweep(ctx); err != nil {
			t.Errorf("Sweep() error = %v", err)
		}
	}
	snaps := catalyst.NewSnapshots(catalyst.SnapshotConfig{Interval: time.Hour, CompactionFactor: 1},
		f.db, &sweepAfterStore{ContentStore: f.store, sweep: sweep}, f.pins, f.clock, nil, nil)

	f.mustDeploy(t, f.entity(t, 0, "0,0").Build(), catalyst.ModeLocal)
	f.clock.Advance(time.Hour)

	created, err := snaps.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d snapshots, want 1", len(created))
	}
	hash := created[0].Hash

	sweep()
	present, err := f.store.Exists(ctx, hash)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !present[hash] {
		t.Fatalf("snapshot %s recorded but its file was collected", hash)
	}
	if entries := readSnapshot(t, f, hash); len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestEncodeSnapshot_Deterministic(t *testing.T) {
	deps := []*catalyst.Deployment{
		{EntityID: "b", EntityType: catalyst.EntityTypeScene, Pointers: []string{"0,0"}, LocalTimestamp: 2},
		{EntityID: "a", EntityType: catalyst.EntityTypeScene, Pointers: []string{"0,1"}, LocalTimestamp: 2},
		{EntityID: "c", EntityType: catalyst.EntityTypeProfile, Pointers: []string{"0x1"}, LocalTimestamp: 1},
	}
	reversed := []*catalyst.Deployment{deps[2], deps[1], deps[0]}

	one, err := catalyst.EncodeSnapshot(deps)
	if err != nil {
		t.Fatal(err)
	}
	two, err := catalyst.EncodeSnapshot(reversed)
	if err != nil {
		t.Fatal(err)
	}
	if string(one) != string(two) {
		t.Fatal("encoding depends on input order")
	}

	var order []string
	err = catalyst.ReadSnapshot(strings.NewReader(string(one)), func(e catalyst.SnapshotEntry) error {
		order = append(order, e.EntityID)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if strings.Join(order, ",") != "c,a,b" {
		t.Errorf("order = %v, want c,a,b", order)
	}
}

func TestReadSnapshot_RejectsUnknownHeader(t *testing.T) {
	err := catalyst.ReadSnapshot(strings.NewReader("not a snapshot\n{}\n"), func(catalyst.SnapshotEntry) error { return nil })
	if err == nil {
		t.Fatal("ReadSnapshot() expected error")
	}
}
