package app

import (
	"fmt"
	"time"
)

// Operation identifies one invocation of the node, a long running serve or
// a one-shot maintenance command. Its ID tags every log line of the run.
type Operation struct {
	ID      string
	Name    string
	Started time.Time
}

// NewOperation creates an operation started at now.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:      fmt.Sprintf("%s-%s", name, now.UTC().Format("20060102T150405Z")),
		Name:    name,
		Started: now,
	}
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started)
}
