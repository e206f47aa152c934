// Package engine implements the dependency-aware, priority-scheduled,
// retrying task scheduler described by the installer design: a bounded
// worker pool with priority heaps, predecessor gating, per-task retry
// budgets, completion callbacks, and a shared results map. The engine has
// no knowledge of installs — it schedules opaque closures.
package engine

import (
	"context"
	"time"
)

// Work is the callable body of a task. Arguments are bound into the
// closure by the caller (a closed argument set per task flavor) rather
// than stored as a positional []any tuple — see DESIGN.md, "dynamic
// dispatch".
type Work func(ctx context.Context) (any, error)

// Callback runs once, after a task's terminal outcome is recorded.
type Callback func(outcome Outcome)

// Task is an immutable descriptor submitted to the engine.
type Task struct {
	ID          string
	Description string
	Work        Work
	Callback    Callback
	MaxRetries  int // -1 means unbounded; attempts performed = MaxRetries+1
	PreTasks    []string
	Priority    int
	MaxTime     time.Duration // reserved, unused — see spec open question
}

// Outcome is the recorded terminal result of a task's final attempt.
type Outcome struct {
	TaskID   string
	Value    any
	Err      error // non-nil iff every attempt raised
	Attempts int
}

// Failed reports whether every attempt of the task raised.
func (o Outcome) Failed() bool { return o.Err != nil }
