package app

import (
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	started := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name   string
		opName string
		wantID string
	}{
		{name: "serve", opName: "serve", wantID: "serve-20240115T093000Z"},
		{name: "gc", opName: "gc", wantID: "gc-20240115T093000Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.opName, started)
			if op.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", op.ID, tt.wantID)
			}
			if op.Name != tt.opName {
				t.Errorf("Name = %q, want %q", op.Name, tt.opName)
			}
			if got := op.Elapsed(started.Add(3 * time.Second)); got != 3*time.Second {
				t.Errorf("Elapsed() = %v, want 3s", got)
			}
		})
	}
}
