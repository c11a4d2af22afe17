package design

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxTransfers is the hard cap the liquid-handling routine accepts.
const DefaultMaxTransfers = 30

// Limits bounds what a design may ask of the workcell.
type Limits struct {
	MaxTransfers int
}

// ErrDesignValidation marks a design that must not be submitted.
var ErrDesignValidation = errors.New("design validation failed")

// ValidationError lists every problem found in a design.
type ValidationError struct {
	Column   int
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: column %d: %s", ErrDesignValidation, e.Column, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrDesignValidation }

// Validate checks the transfer cap, destination wells and volumes. A zero
// MaxTransfers falls back to DefaultMaxTransfers.
func Validate(d ExperimentDesign, limits Limits) error {
	max := limits.MaxTransfers
	if max <= 0 {
		max = DefaultMaxTransfers
	}
	var problems []string
	if len(d.Transfers) > max {
		problems = append(problems, fmt.Sprintf("%d transfers exceed cap of %d", len(d.Transfers), max))
	}
	declared := make(map[string]struct{}, len(d.Rows))
	for _, r := range d.Rows {
		declared[r.Well] = struct{}{}
	}
	for i, t := range d.Transfers {
		if _, ok := declared[t.Dest]; !ok {
			problems = append(problems, fmt.Sprintf("transfer[%d] destination %s not declared in design", i, t.Dest))
		}
		if t.UL <= 0 {
			problems = append(problems, fmt.Sprintf("transfer[%d] %s->%s volume %d must be positive", i, t.Source, t.Dest, t.UL))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Column: d.Column, Problems: problems}
	}
	return nil
}
