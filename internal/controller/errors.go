package controller

import (
	"errors"
	"fmt"
	"time"

	"mediaopt/internal/workcell"
)

var (
	// ErrExecutionFailed marks a run that ended failed or cancelled.
	ErrExecutionFailed = errors.New("controller: execution failed")
	// ErrTimeout marks a run that did not finish within the wait budget.
	ErrTimeout = errors.New("controller: execution timed out")
	// ErrAlreadyRunning is returned by a second concurrent Run call.
	ErrAlreadyRunning = errors.New("controller: already running")
)

// ExecutionError carries the failed run's id and terminal status.
type ExecutionError struct {
	Iteration int
	RunID     string
	Status    workcell.Status
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("iteration %d: run %s ended %s", e.Iteration, e.RunID, e.Status)
}

func (e *ExecutionError) Unwrap() error { return ErrExecutionFailed }

// TimeoutError carries the run id and how long the controller waited.
type TimeoutError struct {
	Iteration int
	RunID     string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("iteration %d: run %s not finished after %s", e.Iteration, e.RunID, e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
