// Package design turns a center composition into one experimental column:
// row assignments plus the ordered list of liquid transfers that builds it.
package design

import (
	"errors"
	"fmt"
	"sort"

	"mediaopt/internal/composition"
)

// Role identifies what a row measures.
type Role string

const (
	RoleControl   Role = "control"
	RoleCenter    Role = "center"
	RolePerturbed Role = "perturbed"
)

// RowAssignment is one well of the column and the recipe dispensed into it.
type RowAssignment struct {
	Row         string                  `json:"row"`
	Well        string                  `json:"well"`
	Role        Role                    `json:"role"`
	Factor      string                  `json:"factor,omitempty"`
	Replicate   int                     `json:"replicate,omitempty"`
	Composition composition.Composition `json:"composition"`
	// Control wells receive filler only and carry no composition.
	FillerOnly bool `json:"filler_only,omitempty"`
}

// ExperimentDesign is the full plan for one column.
type ExperimentDesign struct {
	Column     int                     `json:"column"`
	Delta      int                     `json:"delta"`
	Center     composition.Composition `json:"center"`
	FillerWell string                  `json:"filler_well"`
	Rows       []RowAssignment         `json:"rows"`
	Transfers  []TransferInstruction   `json:"transfers"`
}

// Wells returns the destination wells declared by the design, in row order.
func (d ExperimentDesign) Wells() []string {
	out := make([]string, len(d.Rows))
	for i, r := range d.Rows {
		out[i] = r.Well
	}
	return out
}

// Row looks up the assignment for a well.
func (d ExperimentDesign) Row(well string) (RowAssignment, bool) {
	for _, r := range d.Rows {
		if r.Well == well {
			return r, true
		}
	}
	return RowAssignment{}, false
}

// Sources returns the distinct source wells referenced by the transfers.
func (d ExperimentDesign) Sources() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range d.Transfers {
		if _, ok := seen[t.Source]; ok {
			continue
		}
		seen[t.Source] = struct{}{}
		out = append(out, t.Source)
	}
	return out
}

// ErrInvalidColumn is returned by Generate for column indexes below 1.
var ErrInvalidColumn = errors.New("design: column index must be >= 1")

// Generator builds designs for a fixed solver and layout.
type Generator struct {
	solver  *composition.Solver
	layout  Layout
	factors []string
}

// NewGenerator checks that the layout has enough rows and a distinct source
// well for every factor the solver knows.
func NewGenerator(solver *composition.Solver, layout Layout) (*Generator, error) {
	if solver == nil {
		return nil, fmt.Errorf("%w: solver required", ErrInvalidLayout)
	}
	factors := solver.FactorNames()
	if err := layout.validate(factors); err != nil {
		return nil, err
	}
	l := Layout{
		Rows:        append([]string(nil), layout.Rows...),
		FillerWell:  layout.FillerWell,
		SourceWells: make(map[string]string, len(factors)),
	}
	for _, f := range factors {
		l.SourceWells[f] = layout.SourceWells[f]
	}
	return &Generator{solver: solver, layout: l, factors: factors}, nil
}

// Layout returns a copy of the generator layout.
func (g *Generator) Layout() Layout {
	l := Layout{Rows: append([]string(nil), g.layout.Rows...), FillerWell: g.layout.FillerWell, SourceWells: make(map[string]string, len(g.layout.SourceWells))}
	for k, v := range g.layout.SourceWells {
		l.SourceWells[k] = v
	}
	return l
}

// Solver returns the solver every row is canonicalized through.
func (g *Generator) Solver() *composition.Solver { return g.solver }

// ColumnWells returns the wells a design for column would fill.
func (g *Generator) ColumnWells(column int) []string {
	n := 2 + 2*len(g.factors)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = Well(g.layout.Rows[i], column)
	}
	return out
}

// Generate builds the design for column around center. The center is
// re-solved first, so a composition that bypassed the solver still yields
// valid rows.
func (g *Generator) Generate(center composition.Composition, column, delta int) (ExperimentDesign, error) {
	if column < 1 {
		return ExperimentDesign{}, fmt.Errorf("%w: got %d", ErrInvalidColumn, column)
	}
	solved := g.solver.Canonical(center)
	wellVolume := g.solver.Limits().WellVolume

	rows := make([]RowAssignment, 0, 2+2*len(g.factors))
	rows = append(rows,
		RowAssignment{Row: g.layout.Rows[0], Well: Well(g.layout.Rows[0], column), Role: RoleControl, FillerOnly: true},
		RowAssignment{Row: g.layout.Rows[1], Well: Well(g.layout.Rows[1], column), Role: RoleCenter, Composition: solved},
	)
	for i, f := range g.factors {
		perturbed := g.solver.Perturb(solved, f, delta)
		for rep := 1; rep <= 2; rep++ {
			row := g.layout.Rows[2+2*i+rep-1]
			rows = append(rows, RowAssignment{
				Row:         row,
				Well:        Well(row, column),
				Role:        RolePerturbed,
				Factor:      f,
				Replicate:   rep,
				Composition: perturbed,
			})
		}
	}

	// Collect per-source transfers in row order, then order the groups.
	groups := make(map[string][]TransferInstruction)
	totals := make(map[string]int)
	add := func(src, dst string, ul int) {
		if ul <= 0 {
			return
		}
		groups[src] = append(groups[src], TransferInstruction{Source: src, Dest: dst, UL: ul})
		totals[src] += ul
	}
	for _, r := range rows {
		if r.FillerOnly {
			add(g.layout.FillerWell, r.Well, wellVolume)
			continue
		}
		add(g.layout.FillerWell, r.Well, r.Composition.Filler())
		for _, f := range g.factors {
			add(g.layout.SourceWells[f], r.Well, r.Composition.Volume(f))
		}
	}

	order := make([]string, len(g.factors))
	for i, f := range g.factors {
		order[i] = g.layout.SourceWells[f]
	}
	sort.SliceStable(order, func(a, b int) bool { return totals[order[a]] > totals[order[b]] })

	transfers := append([]TransferInstruction(nil), groups[g.layout.FillerWell]...)
	for _, src := range order {
		transfers = append(transfers, groups[src]...)
	}

	return ExperimentDesign{
		Column:     column,
		Delta:      delta,
		Center:     solved,
		FillerWell: g.layout.FillerWell,
		Rows:       rows,
		Transfers:  transfers,
	}, nil
}
