package denylist

import (
	"context"
	"fmt"
	"testing"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
	"catalyst-go/internal/testutil"
)

var (
	pointer = catalyst.DenylistTarget{Type: catalyst.TargetPointer, ID: "0,0"}
	content = catalyst.DenylistTarget{Type: catalyst.TargetContent, ID: "ABCDEF"}
)

func TestActive(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)

	a, err := NewActive(ctx, db)
	if err != nil {
		t.Fatalf("NewActive() error = %v", err)
	}

	if err := a.Add(ctx, catalyst.DenylistEntry{Target: content, Timestamp: 10}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		lower := catalyst.DenylistTarget{Type: catalyst.TargetContent, ID: "abcdef"}
		ok, err := a.IsDenylisted(ctx, lower)
		if err != nil || !ok {
			t.Errorf("IsDenylisted() = %v, %v; want true", ok, err)
		}
	})

	t.Run("batch lookup", func(t *testing.T) {
		got, err := a.AreDenylisted(ctx, []catalyst.DenylistTarget{pointer, content})
		if err != nil {
			t.Fatalf("AreDenylisted() error = %v", err)
		}
		if got[pointer.Key()] || !got[content.Key()] {
			t.Errorf("AreDenylisted() = %v", got)
		}
	})

	t.Run("survives reload", func(t *testing.T) {
		reloaded, err := NewActive(ctx, db)
		if err != nil {
			t.Fatalf("NewActive() error = %v", err)
		}
		entries, err := reloaded.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(entries) != 1 || entries[0].Target.ID != "abcdef" || entries[0].Timestamp != 10 {
			t.Errorf("List() = %+v", entries)
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := a.Remove(ctx, content); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		ok, _ := a.IsDenylisted(ctx, content)
		if ok {
			t.Error("IsDenylisted() = true after Remove")
		}
		persisted, err := db.ListDenylistEntries(ctx)
		if err != nil {
			t.Fatalf("ListDenylistEntries() error = %v", err)
		}
		if len(persisted) != 0 {
			t.Errorf("%d entries persisted after Remove", len(persisted))
		}
	})

	t.Run("rejects unknown target type", func(t *testing.T) {
		err := a.Add(ctx, catalyst.DenylistEntry{Target: catalyst.DenylistTarget{Type: "planet", ID: "x"}})
		if err == nil {
			t.Error("Add() with unknown type expected error")
		}
	})
}

func TestDeactivated(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)

	d, err := NewDeactivated(ctx, db)
	if err != nil {
		t.Fatalf("NewDeactivated() error = %v", err)
	}
	if err := d.Add(ctx, catalyst.DenylistEntry{Target: pointer, Timestamp: 1}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if ok, _ := d.IsDenylisted(ctx, pointer); ok {
		t.Error("IsDenylisted() = true on a deactivated denylist")
	}
	if got, _ := d.AreDenylisted(ctx, []catalyst.DenylistTarget{pointer}); len(got) != 0 {
		t.Errorf("AreDenylisted() = %v, want empty", got)
	}

	a, err := NewActive(ctx, db)
	if err != nil {
		t.Fatalf("NewActive() error = %v", err)
	}
	if ok, _ := a.IsDenylisted(ctx, pointer); !ok {
		t.Error("entry added while deactivated not enforced after switching to active")
	}
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var n Noop
	if err := n.Add(ctx, catalyst.DenylistEntry{Target: pointer}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if ok, _ := n.IsDenylisted(ctx, pointer); ok {
		t.Error("Noop reported a target as denylisted")
	}
	if entries, _ := n.List(ctx); len(entries) != 0 {
		t.Errorf("List() = %v, want empty", entries)
	}
}

func TestNewDenylistFromConfig(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)

	tests := []struct {
		typ     string
		want    string
		wantErr bool
	}{
		{typ: "", want: "*denylist.Active"},
		{typ: "active", want: "*denylist.Active"},
		{typ: "deactivated", want: "*denylist.Deactivated"},
		{typ: "noop", want: "denylist.Noop"},
		{typ: "strict", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			got, err := NewDenylistFromConfig(ctx, config.DenylistConfig{Type: tt.typ}, db)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if typ := typeName(got); typ != tt.want {
				t.Errorf("type = %s, want %s", typ, tt.want)
			}
		})
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
