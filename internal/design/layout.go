package design

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Layout is the fixed plate geometry and reagent map used for every column.
type Layout struct {
	// Rows lists row letters top to bottom. Row 0 is the control, row 1 the
	// center, then two replicate rows per factor.
	Rows []string
	// FillerWell holds the base media on the reagent plate.
	FillerWell string
	// SourceWells maps each factor to its reagent plate well.
	SourceWells map[string]string
}

// DefaultLayout returns the standard 96-well layout with the filler in D1 and
// the supplied factors in A1, B1, C1, ... in order.
func DefaultLayout(factors []string) Layout {
	sources := make(map[string]string, len(factors))
	wells := []string{"A1", "B1", "C1", "E1", "F1", "G1", "H1"}
	for i, f := range factors {
		if i < len(wells) {
			sources[f] = wells[i]
		}
	}
	return Layout{
		Rows:        []string{"A", "B", "C", "D", "E", "F", "G", "H"},
		FillerWell:  "D1",
		SourceWells: sources,
	}
}

// Well returns the plate well name for a row and 1-based column.
func Well(row string, column int) string {
	return row + strconv.Itoa(column)
}

// ErrInvalidLayout is returned by NewGenerator for an unusable layout.
var ErrInvalidLayout = errors.New("design: invalid layout")

func (l Layout) validate(factors []string) error {
	need := 2 + 2*len(factors)
	if len(l.Rows) < need {
		return fmt.Errorf("%w: %d factors need %d rows, layout has %d", ErrInvalidLayout, len(factors), need, len(l.Rows))
	}
	rows := make(map[string]struct{}, len(l.Rows))
	for _, r := range l.Rows {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: blank row label", ErrInvalidLayout)
		}
		if _, dup := rows[r]; dup {
			return fmt.Errorf("%w: duplicate row %q", ErrInvalidLayout, r)
		}
		rows[r] = struct{}{}
	}
	if strings.TrimSpace(l.FillerWell) == "" {
		return fmt.Errorf("%w: filler well required", ErrInvalidLayout)
	}
	used := map[string]string{l.FillerWell: "filler"}
	for _, f := range factors {
		well := strings.TrimSpace(l.SourceWells[f])
		if well == "" {
			return fmt.Errorf("%w: no source well for factor %q", ErrInvalidLayout, f)
		}
		if owner, ok := used[well]; ok {
			return fmt.Errorf("%w: source well %s for %q already used by %s", ErrInvalidLayout, well, f, owner)
		}
		used[well] = f
	}
	return nil
}
