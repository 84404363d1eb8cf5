package catalyst_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"catalyst-go/internal/auth"
	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/testutil"
)

func newTestService(t *testing.T, f *fixture, admin *auth.Identity) *catalyst.Service {
	t.Helper()
	return catalyst.NewService("node-1", catalyst.ServiceDeps{
		DB:        f.db,
		Store:     f.store,
		Denylist:  f.deny,
		Deployer:  f.deployer,
		Failed:    f.failed,
		Snapshots: catalyst.NewSnapshots(catalyst.SnapshotConfig{}, f.db, f.store, f.pins, f.clock, nil, nil),
		Admins:    auth.NewAdminAuthorizer(auth.Verifier{}, f.clock, []string{admin.Address()}),
		Clock:     f.clock,
	})
}

func denylistAs(t *testing.T, svc *catalyst.Service, admin *auth.Identity, action catalyst.DenylistAction, target catalyst.DenylistTarget, ts int64) error {
	t.Helper()
	chain, err := admin.SignChain(catalyst.DenylistPayload(action, target, ts))
	if err != nil {
		t.Fatalf("SignChain() error = %v", err)
	}
	return svc.ChangeDenylist(context.Background(), action, target, ts, chain)
}

func TestService_Deploy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f, testutil.NewIdentity(t))

	t.Run("accepts upload", func(t *testing.T) {
		e := f.entity(t, 0, "0,0").File("a.txt", []byte("a")).Build()
		req := e.DeployRequest()
		req.Files[e.Entity.ID] = int64(len(e.File))

		res, err := svc.Deploy(ctx, req)
		if err != nil {
			t.Fatalf("Deploy() error = %v", err)
		}
		if res.Status != catalyst.StatusDeployed {
			t.Errorf("Status = %q, want deployed", res.Status)
		}
	})

	t.Run("rejects unparsable entity file", func(t *testing.T) {
		_, err := svc.Deploy(ctx, catalyst.DeployRequest{EntityID: "bafy", EntityFile: []byte("{")})
		var verr *catalyst.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Deploy() error = %v, want ValidationError", err)
		}
	})

	t.Run("rejects stale signature", func(t *testing.T) {
		e := f.entity(t, -time.Hour, "0,1").Build()
		_, err := svc.Deploy(ctx, e.DeployRequest())
		var verr *catalyst.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Deploy() error = %v, want ValidationError", err)
		}
	})
}

func TestService_Denylist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := testutil.NewIdentity(t)
	svc := newTestService(t, f, admin)

	e := f.entity(t, 0, "0,0").File("a.txt", []byte("a")).Build()
	f.mustDeploy(t, e, catalyst.ModeLocal)
	contentHash := e.Entity.ContentHashes()[0]
	ts := f.clock.Millis()

	t.Run("non-admin is refused", func(t *testing.T) {
		target := catalyst.DenylistTarget{Type: catalyst.TargetEntity, ID: e.Entity.ID}
		err := denylistAs(t, svc, testutil.NewIdentity(t), catalyst.DenylistAdd, target, ts)
		if !errors.Is(err, catalyst.ErrUnauthorized) {
			t.Fatalf("ChangeDenylist() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("denylisted entity is hidden", func(t *testing.T) {
		target := catalyst.DenylistTarget{Type: catalyst.TargetEntity, ID: e.Entity.ID}
		if err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, ts); err != nil {
			t.Fatalf("ChangeDenylist() error = %v", err)
		}

		active, err := svc.GetActiveEntities(ctx, []string{"0,0"})
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 0 {
			t.Errorf("GetActiveEntities() = %d entities, want 0", len(active))
		}
		byID, err := svc.GetEntities(ctx, []string{e.Entity.ID})
		if err != nil {
			t.Fatal(err)
		}
		if len(byID) != 0 {
			t.Errorf("GetEntities() = %d entities, want 0", len(byID))
		}

		if err := denylistAs(t, svc, admin, catalyst.DenylistRemove, target, ts+1); err != nil {
			t.Fatalf("ChangeDenylist(remove) error = %v", err)
		}
		if active, _ = svc.GetActiveEntities(ctx, []string{"0,0"}); len(active) != 1 {
			t.Errorf("GetActiveEntities() after removal = %d entities, want 1", len(active))
		}
	})

	t.Run("denylisted content is refused", func(t *testing.T) {
		target := catalyst.DenylistTarget{Type: catalyst.TargetContent, ID: contentHash}
		if err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, ts); err != nil {
			t.Fatalf("ChangeDenylist() error = %v", err)
		}
		if _, err := svc.GetContent(ctx, contentHash); !errors.Is(err, catalyst.ErrDenylisted) {
			t.Errorf("GetContent() error = %v, want ErrDenylisted", err)
		}
		listed, err := svc.IsDenylisted(ctx, target)
		if err != nil || !listed {
			t.Errorf("IsDenylisted() = %v, %v", listed, err)
		}
	})

	t.Run("unknown content", func(t *testing.T) {
		_, err := svc.GetContent(ctx, catalyst.HashBytes([]byte("missing")))
		if !errors.Is(err, catalyst.ErrContentNotFound) {
			t.Errorf("GetContent() error = %v, want ErrContentNotFound", err)
		}
	})

	t.Run("signed request outside the window is refused", func(t *testing.T) {
		target := catalyst.DenylistTarget{Type: catalyst.TargetEntity, ID: e.Entity.ID}
		for _, at := range []int64{
			ts - (11 * time.Minute).Milliseconds(),
			ts + (11 * time.Minute).Milliseconds(),
		} {
			err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, at)
			if !errors.Is(err, catalyst.ErrUnauthorized) {
				t.Errorf("ChangeDenylist(at %d) error = %v, want ErrUnauthorized", at, err)
			}
		}
		if listed, _ := svc.IsDenylisted(ctx, target); listed {
			t.Error("entity denylisted by a request outside the window")
		}
	})

	t.Run("replayed removal is refused later", func(t *testing.T) {
		target := catalyst.DenylistTarget{Type: catalyst.TargetAddress, ID: e.AuthChain.Signer()}
		chain, err := admin.SignChain(catalyst.DenylistPayload(catalyst.DenylistRemove, target, ts))
		if err != nil {
			t.Fatal(err)
		}
		if err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, ts); err != nil {
			t.Fatalf("ChangeDenylist(add) error = %v", err)
		}
		if err := svc.ChangeDenylist(ctx, catalyst.DenylistRemove, target, ts, chain); err != nil {
			t.Fatalf("ChangeDenylist(remove) error = %v", err)
		}

		f.clock.Advance(time.Hour)
		if err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, f.clock.Millis()); err != nil {
			t.Fatalf("ChangeDenylist(add again) error = %v", err)
		}
		err = svc.ChangeDenylist(ctx, catalyst.DenylistRemove, target, ts, chain)
		if !errors.Is(err, catalyst.ErrUnauthorized) {
			t.Errorf("replayed ChangeDenylist(remove) error = %v, want ErrUnauthorized", err)
		}
		if listed, _ := svc.IsDenylisted(ctx, target); !listed {
			t.Error("replayed removal lifted the denylist")
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		target := catalyst.DenylistTarget{Type: "planet", ID: "earth"}
		err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, ts)
		var verr *catalyst.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("ChangeDenylist() error = %v, want ValidationError", err)
		}
	})
}

func TestService_DenylistLiftAllowsResubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := testutil.NewIdentity(t)
	svc := newTestService(t, f, admin)

	e := f.entity(t, 0, "8,8").File("a.txt", []byte("a")).Build()
	target := catalyst.DenylistTarget{Type: catalyst.TargetPointer, ID: "8,8"}
	ts := f.clock.Millis()
	if err := denylistAs(t, svc, admin, catalyst.DenylistAdd, target, ts); err != nil {
		t.Fatalf("ChangeDenylist(add) error = %v", err)
	}

	_, err := svc.Deploy(ctx, e.DeployRequest())
	var verr *catalyst.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Deploy() error = %v, want ValidationError", err)
	}
	if exists, _ := f.db.DeploymentExists(ctx, e.Entity.ID); exists {
		t.Fatal("denylisted deployment was persisted")
	}

	if err := denylistAs(t, svc, admin, catalyst.DenylistRemove, target, ts+1); err != nil {
		t.Fatalf("ChangeDenylist(remove) error = %v", err)
	}
	res, err := svc.Deploy(ctx, e.DeployRequest())
	if err != nil {
		t.Fatalf("Deploy() after lifting error = %v", err)
	}
	if res.Status != catalyst.StatusDeployed {
		t.Errorf("Status = %q, want deployed", res.Status)
	}
}

func TestService_ListDeployments_Pages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f, testutil.NewIdentity(t))

	// The clock stands still while all three commit.
	want := map[string]bool{}
	for _, p := range []string{"1,0", "1,1", "1,2"} {
		e := f.entity(t, 0, p).Build()
		f.mustDeploy(t, e, catalyst.ModeLocal)
		want[e.Entity.ID] = true
	}

	filter := catalyst.DeploymentFilter{Order: catalyst.OrderAscending, Limit: 2}
	page, err := svc.ListDeployments(ctx, filter)
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(page.Deployments) != 2 || page.Next == nil {
		t.Fatalf("first page = %d deployments, next %v", len(page.Deployments), page.Next)
	}

	seen := map[string]bool{}
	for _, d := range page.Deployments {
		seen[d.EntityID] = true
	}

	filter.From = page.Next.Timestamp
	filter.LastID = page.Next.LastID
	page, err = svc.ListDeployments(ctx, filter)
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(page.Deployments) != 1 || page.Next != nil {
		t.Fatalf("second page = %d deployments, next %v", len(page.Deployments), page.Next)
	}
	seen[page.Deployments[0].EntityID] = true

	for id := range want {
		if !seen[id] {
			t.Errorf("deployment %s never listed", id)
		}
	}
}

func TestService_Status(t *testing.T) {
	f := newFixture(t)
	svc := newTestService(t, f, testutil.NewIdentity(t))

	st := svc.Status()
	if st.NodeID != "node-1" || st.CurrentTime != f.clock.Millis() {
		t.Errorf("Status() = %+v", st)
	}
}
