// Package workcell defines the execution and measurement boundaries the
// controller drives, and the run status model shared by their implementations.
package workcell

import (
	"context"
	"strings"
)

// Status is the normalised lifecycle state of a submitted run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus lowercases s and folds the "canceled" spelling into
// StatusCancelled. Unknown values are returned as-is and are not terminal.
func ParseStatus(s string) Status {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "canceled" {
		return StatusCancelled
	}
	return Status(v)
}

// Terminal reports whether the run will not change state again.
func (s Status) Terminal() bool {
	switch ParseStatus(string(s)) {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Succeeded reports a completed run.
func (s Status) Succeeded() bool { return ParseStatus(string(s)) == StatusCompleted }

// Executor submits workflow instances and reports their status.
type Executor interface {
	Submit(ctx context.Context, definitionID string, inputs map[string]any) (string, error)
	PollStatus(ctx context.Context, runID string) (Status, error)
}

// Observations holds OD600 readings per well. Baseline is the earliest
// reading that covers the column, Endpoint the latest.
type Observations struct {
	Baseline map[string]float64 `json:"baseline"`
	Endpoint map[string]float64 `json:"endpoint"`
}

// Delta returns endpoint minus baseline for well. ok is false when either
// reading is absent.
func (o Observations) Delta(well string) (float64, bool) {
	b, okB := o.Baseline[well]
	e, okE := o.Endpoint[well]
	if !okB || !okE {
		return 0, false
	}
	return e - b, true
}

// Observer reads measurements for one column of a plate.
type Observer interface {
	FetchObservations(ctx context.Context, plateID string, column int) (Observations, error)
}
