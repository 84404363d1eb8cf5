package catalyst_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"catalyst-go/internal/access"
	"catalyst-go/internal/auth"
	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/contentstore"
	"catalyst-go/internal/database"
	"catalyst-go/internal/denylist"
	"catalyst-go/internal/testutil"
)

type fixture struct {
	db        *database.SQLiteDatabase
	store     *contentstore.MemoryStore
	clock     *testutil.StubClock
	pins      *catalyst.Pins
	failed    *catalyst.FailedDeployments
	deny      *denylist.Active
	validator *catalyst.Validator
	deployer  *catalyst.Deployer
	signer    *auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:     testutil.NewTestDatabase(t),
		store:  testutil.NewTestContentStore(),
		clock:  testutil.FixedClock(),
		pins:   catalyst.NewPins(),
		signer: testutil.NewIdentity(t),
	}
	deny, err := denylist.NewActive(context.Background(), f.db)
	if err != nil {
		t.Fatalf("NewActive() error = %v", err)
	}
	f.deny = deny
	f.validator = catalyst.NewValidator(catalyst.ValidatorConfig{MaxRequestSize: 1 << 20},
		f.db, f.store, deny, access.Open{}, auth.Verifier{})
	f.failed = catalyst.NewFailedDeployments(f.db, f.clock)
	f.deployer = catalyst.NewDeployer(f.db, f.store, f.validator, f.failed, f.pins, f.clock, nil, nil)
	return f
}

// entity starts an entity whose timestamp is offset from the fixture clock.
func (f *fixture) entity(t *testing.T, offset time.Duration, pointers ...string) *testutil.EntityBuilder {
	return testutil.NewEntityAt(t, f.signer, f.clock.Now().Add(offset), pointers...)
}

func (f *fixture) deploy(e *testutil.BuiltEntity, mode catalyst.DeploymentMode) (*catalyst.DeploymentResult, error) {
	checks := catalyst.AllChecks
	if mode == catalyst.ModeSynced {
		checks = catalyst.SyncChecks
	}
	return f.deployer.Deploy(context.Background(), e.Candidate(mode), checks)
}

func (f *fixture) mustDeploy(t *testing.T, e *testutil.BuiltEntity, mode catalyst.DeploymentMode) *catalyst.DeploymentResult {
	t.Helper()
	res, err := f.deploy(e, mode)
	if err != nil {
		t.Fatalf("Deploy(%s) error = %v", e.Entity.ID, err)
	}
	return res
}

func (f *fixture) deployment(t *testing.T, id string) *catalyst.Deployment {
	t.Helper()
	deps, err := f.db.GetDeployments(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("GetDeployments() error = %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("deployment %s not found", id)
	}
	return deps[0]
}

// activeOn returns the id active on pointer, or "" when none is.
func (f *fixture) activeOn(t *testing.T, pointer string) string {
	t.Helper()
	deps, err := f.db.GetActiveDeployments(context.Background(), []string{pointer})
	if err != nil {
		t.Fatalf("GetActiveDeployments() error = %v", err)
	}
	switch len(deps) {
	case 0:
		return ""
	case 1:
		return deps[0].EntityID
	default:
		t.Fatalf("pointer %s has %d active deployments", pointer, len(deps))
		return ""
	}
}

func TestDeployer_LastWriterWins(t *testing.T) {
	f := newFixture(t)

	a := f.entity(t, 0, "0,0").File("a.txt", []byte("a")).Build()
	b := f.entity(t, -time.Second, "0,0").File("b.txt", []byte("b")).Build()
	c := f.entity(t, time.Second, "0,0").File("c.txt", []byte("c")).Build()

	if res := f.mustDeploy(t, a, catalyst.ModeLocal); res.Status != catalyst.StatusDeployed {
		t.Fatalf("A status = %q, want deployed", res.Status)
	}

	t.Run("older local upload conflicts", func(t *testing.T) {
		_, err := f.deploy(b, catalyst.ModeLocal)
		var conflict *catalyst.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Deploy(B) error = %v, want ConflictError", err)
		}
		if len(conflict.Conflicts) != 1 || conflict.Conflicts[0].EntityID != a.Entity.ID {
			t.Errorf("Conflicts = %+v, want A on 0,0", conflict.Conflicts)
		}
		exists, err := f.db.DeploymentExists(context.Background(), b.Entity.ID)
		if err != nil {
			t.Fatal(err)
		}
		if exists {
			t.Error("conflicting upload was persisted")
		}
	})

	t.Run("newer upload supersedes", func(t *testing.T) {
		if res := f.mustDeploy(t, c, catalyst.ModeLocal); res.Status != catalyst.StatusDeployed {
			t.Fatalf("C status = %q, want deployed", res.Status)
		}
		if got := f.activeOn(t, "0,0"); got != c.Entity.ID {
			t.Errorf("active = %s, want C", got)
		}
		if got := f.deployment(t, a.Entity.ID).OverwrittenBy; got != c.Entity.ID {
			t.Errorf("A overwritten by %q, want C", got)
		}
	})

	t.Run("older synced history is kept as overwritten", func(t *testing.T) {
		res := f.mustDeploy(t, b, catalyst.ModeSynced)
		if res.Status != catalyst.StatusOverwritten {
			t.Fatalf("B status = %q, want overwritten", res.Status)
		}
		if f.deployment(t, b.Entity.ID).Active() {
			t.Error("B is active, want overwritten")
		}
		if got := f.activeOn(t, "0,0"); got != c.Entity.ID {
			t.Errorf("active = %s, want C", got)
		}
	})
}

func TestDeployer_Idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.entity(t, 0, "1,1").File("f.txt", []byte("content")).Build()

	f.mustDeploy(t, e, catalyst.ModeLocal)
	res := f.mustDeploy(t, e, catalyst.ModeLocal)
	if res.Status != catalyst.StatusAlreadyExists {
		t.Errorf("second Deploy() status = %q, want already_exists", res.Status)
	}
	res = f.mustDeploy(t, e, catalyst.ModeSynced)
	if res.Status != catalyst.StatusAlreadyExists {
		t.Errorf("synced Deploy() status = %q, want already_exists", res.Status)
	}
}

func TestDeployer_TieBreaksOnEntityID(t *testing.T) {
	setup := newFixture(t)
	x := setup.entity(t, 0, "2,2").Metadata(`{"name":"x"}`).Build()
	y := setup.entity(t, 0, "2,2").Metadata(`{"name":"y"}`).Build()
	want := x.Entity.ID
	if y.Entity.ID > want {
		want = y.Entity.ID
	}

	orders := [][]*testutil.BuiltEntity{{x, y}, {y, x}}
	for i, order := range orders {
		t.Run(fmt.Sprintf("order %d", i), func(t *testing.T) {
			f := newFixture(t)
			for _, e := range order {
				f.mustDeploy(t, e, catalyst.ModeSynced)
			}
			if got := f.activeOn(t, "2,2"); got != want {
				t.Errorf("active = %s, want %s", got, want)
			}
		})
	}
}

func TestDeployer_ConvergesRegardlessOfOrder(t *testing.T) {
	setup := newFixture(t)
	e1 := setup.entity(t, 1*time.Second, "a", "b").Build()
	e2 := setup.entity(t, 2*time.Second, "b", "c").Build()
	e3 := setup.entity(t, 3*time.Second, "a").Build()
	want := map[string]string{
		"a": e3.Entity.ID,
		"b": e2.Entity.ID,
		"c": e2.Entity.ID,
	}

	perms := [][]*testutil.BuiltEntity{
		{e1, e2, e3}, {e1, e3, e2},
		{e2, e1, e3}, {e2, e3, e1},
		{e3, e1, e2}, {e3, e2, e1},
	}
	for i, perm := range perms {
		t.Run(fmt.Sprintf("permutation %d", i), func(t *testing.T) {
			f := newFixture(t)
			for _, e := range perm {
				f.mustDeploy(t, e, catalyst.ModeSynced)
			}
			for pointer, id := range want {
				if got := f.activeOn(t, pointer); got != id {
					t.Errorf("pointer %s active = %s, want %s", pointer, got, id)
				}
			}
		})
	}
}

func TestDeployer_DeletionTombstone(t *testing.T) {
	f := newFixture(t)
	a := f.entity(t, 0, "3,3").Build()
	del := f.entity(t, 2*time.Second, "3,3").Deletion().Build()
	between := f.entity(t, time.Second, "3,3").Metadata(`{"name":"between"}`).Build()

	f.mustDeploy(t, a, catalyst.ModeLocal)
	if res := f.mustDeploy(t, del, catalyst.ModeLocal); res.Status != catalyst.StatusDeployed {
		t.Fatalf("deletion status = %q, want deployed", res.Status)
	}
	if got := f.activeOn(t, "3,3"); got != "" {
		t.Fatalf("active after deletion = %s, want none", got)
	}

	t.Run("older local upload conflicts with tombstone", func(t *testing.T) {
		_, err := f.deploy(between, catalyst.ModeLocal)
		var conflict *catalyst.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Deploy() error = %v, want ConflictError", err)
		}
	})

	t.Run("older synced history stays deleted", func(t *testing.T) {
		res := f.mustDeploy(t, between, catalyst.ModeSynced)
		if res.Status != catalyst.StatusOverwritten {
			t.Errorf("status = %q, want overwritten", res.Status)
		}
		if got := f.activeOn(t, "3,3"); got != "" {
			t.Errorf("active = %s, want none", got)
		}
	})

	t.Run("newer upload revives pointer", func(t *testing.T) {
		later := f.entity(t, 3*time.Second, "3,3").Build()
		f.mustDeploy(t, later, catalyst.ModeLocal)
		if got := f.activeOn(t, "3,3"); got != later.Entity.ID {
			t.Errorf("active = %s, want %s", got, later.Entity.ID)
		}
	})
}

func TestDeployer_FailedDeployments(t *testing.T) {
	ctx := context.Background()

	t.Run("success clears failure record", func(t *testing.T) {
		f := newFixture(t)
		e := f.entity(t, 0, "4,4").Build()
		err := f.failed.Report(ctx, &catalyst.FailedDeployment{
			EntityID:         e.Entity.ID,
			EntityType:       e.Entity.Type,
			Reason:           catalyst.FailureFetch,
			ErrorDescription: "peer timed out",
		})
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}

		f.mustDeploy(t, e, catalyst.ModeSynced)

		fd, err := f.failed.Get(ctx, e.Entity.ID, e.Entity.Type)
		if err != nil {
			t.Fatal(err)
		}
		if fd != nil {
			t.Errorf("failure record = %+v, want cleared", fd)
		}
	})

	t.Run("synced validation failure is recorded", func(t *testing.T) {
		f := newFixture(t)
		e := f.entity(t, 0, "4,4").Build()
		c := e.Candidate(catalyst.ModeSynced)
		c.ReceivedAt += time.Hour.Milliseconds()
		c.PeerAddress = "http://peer-1"

		_, err := f.deployer.Deploy(ctx, c, catalyst.SyncChecks)
		var verr *catalyst.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Deploy() error = %v, want ValidationError", err)
		}

		fd, err := f.failed.Get(ctx, e.Entity.ID, e.Entity.Type)
		if err != nil {
			t.Fatal(err)
		}
		if fd == nil || fd.Reason != catalyst.FailureValidation || fd.PeerAddress != "http://peer-1" {
			t.Fatalf("failure record = %+v", fd)
		}
		retry, err := f.failed.ShouldRetry(ctx, e.Entity.ID, e.Entity.Type, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if retry {
			t.Error("validation failures must not be retried")
		}
	})

	t.Run("later successful commit clears validation failure", func(t *testing.T) {
		f := newFixture(t)
		e := f.entity(t, 0, "4,5").Build()
		stale := e.Candidate(catalyst.ModeSynced)
		stale.ReceivedAt += time.Hour.Milliseconds()

		if _, err := f.deployer.Deploy(ctx, stale, catalyst.SyncChecks); err == nil {
			t.Fatal("Deploy() expected a validation error")
		}
		fd, err := f.failed.Get(ctx, e.Entity.ID, e.Entity.Type)
		if err != nil {
			t.Fatal(err)
		}
		if fd == nil || fd.Reason != catalyst.FailureValidation {
			t.Fatalf("failure record = %+v, want validation failure", fd)
		}

		if res := f.mustDeploy(t, e, catalyst.ModeSynced); res.Status != catalyst.StatusDeployed {
			t.Fatalf("status = %q, want deployed", res.Status)
		}
		if fd, err = f.failed.Get(ctx, e.Entity.ID, e.Entity.Type); err != nil {
			t.Fatal(err)
		}
		if fd != nil {
			t.Errorf("failure record = %+v, want cleared", fd)
		}
	})

	t.Run("local validation failure is not recorded", func(t *testing.T) {
		f := newFixture(t)
		e := f.entity(t, 0, "4,4").Build()
		c := e.Candidate(catalyst.ModeLocal)
		c.ReceivedAt += time.Hour.Milliseconds()

		if _, err := f.deployer.Deploy(ctx, c, catalyst.AllChecks); err == nil {
			t.Fatal("Deploy() expected error")
		}
		failed, err := f.failed.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(failed) != 0 {
			t.Errorf("failed = %+v, want none", failed)
		}
	})

	t.Run("storage failure is retried after delay", func(t *testing.T) {
		f := newFixture(t)
		e := f.entity(t, 0, "4,4").File("f.txt", []byte("data")).Build()
		c := e.Candidate(catalyst.ModeSynced)
		c.Source = testutil.MapSource{}

		_, err := f.deployer.Deploy(ctx, c, catalyst.SyncChecks)
		var serr *catalyst.StorageError
		if !errors.As(err, &serr) {
			t.Fatalf("Deploy() error = %v, want StorageError", err)
		}

		retry, err := f.failed.ShouldRetry(ctx, e.Entity.ID, e.Entity.Type, 15*time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if retry {
			t.Error("ShouldRetry() = true right after the failure")
		}
		f.clock.Advance(16 * time.Minute)
		if retry, _ = f.failed.ShouldRetry(ctx, e.Entity.ID, e.Entity.Type, 15*time.Minute); !retry {
			t.Error("ShouldRetry() = false after retry delay")
		}
	})
}

func TestDeployer_StoresContent(t *testing.T) {
	f := newFixture(t)
	e := f.entity(t, 0, "5,5").File("model.glb", []byte("mesh")).Build()
	f.mustDeploy(t, e, catalyst.ModeLocal)

	hashes := append([]string{e.Entity.ID}, e.Entity.ContentHashes()...)
	present, err := f.store.Exists(context.Background(), hashes...)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hashes {
		if !present[h] {
			t.Errorf("hash %s not stored", h)
		}
	}

	t.Run("later deployment may reference stored content", func(t *testing.T) {
		rebuilt := f.entity(t, time.Second, "5,6").File("model.glb", []byte("mesh")).Build()
		c := rebuilt.Candidate(catalyst.ModeLocal)
		c.Files = nil
		c.Source = nil
		if _, err := f.deployer.Deploy(context.Background(), c, catalyst.AllChecks); err != nil {
			t.Fatalf("Deploy() error = %v", err)
		}
	})
}

func TestDeployer_LocalTimestampsIncrease(t *testing.T) {
	ctx := context.Background()

	t.Run("clock standing still or going back", func(t *testing.T) {
		f := newFixture(t)
		first := f.mustDeploy(t, f.entity(t, 0, "6,0").Build(), catalyst.ModeLocal)
		second := f.mustDeploy(t, f.entity(t, 0, "6,1").Build(), catalyst.ModeLocal)
		if second.LocalTimestamp <= first.LocalTimestamp {
			t.Errorf("second local timestamp %d not after first %d", second.LocalTimestamp, first.LocalTimestamp)
		}

		f.clock.Advance(-time.Minute)
		third := f.mustDeploy(t, f.entity(t, 0, "6,2").Build(), catalyst.ModeLocal)
		if third.LocalTimestamp <= second.LocalTimestamp {
			t.Errorf("local timestamp %d after clock rewind not after %d", third.LocalTimestamp, second.LocalTimestamp)
		}
		if got := f.deployment(t, third.EntityID).LocalTimestamp; got != third.LocalTimestamp {
			t.Errorf("stored local timestamp = %d, want %d", got, third.LocalTimestamp)
		}
	})

	t.Run("concurrent commits", func(t *testing.T) {
		f := newFixture(t)
		var entities []*testutil.BuiltEntity
		for i := range 8 {
			entities = append(entities, f.entity(t, 0, fmt.Sprintf("7,%d", i)).Build())
		}

		var wg sync.WaitGroup
		errs := make([]error, len(entities))
		for i, e := range entities {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.deploy(e, catalyst.ModeLocal)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				t.Fatalf("Deploy() error = %v", err)
			}
		}

		deps, err := f.db.ListDeployments(ctx, catalyst.DeploymentFilter{
			SortBy: catalyst.SortByLocalTimestamp,
			Order:  catalyst.OrderAscending,
			Limit:  len(entities),
		})
		if err != nil {
			t.Fatalf("ListDeployments() error = %v", err)
		}
		if len(deps) != len(entities) {
			t.Fatalf("listed %d deployments, want %d", len(deps), len(entities))
		}
		for i := 1; i < len(deps); i++ {
			if deps[i].LocalTimestamp <= deps[i-1].LocalTimestamp {
				t.Errorf("local timestamps %d and %d are not strictly increasing", deps[i-1].LocalTimestamp, deps[i].LocalTimestamp)
			}
		}
	})
}
