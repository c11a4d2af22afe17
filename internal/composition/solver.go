package composition

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Factor declares one adjustable supplement and its dosing window. A dose is
// either exactly zero or within [Min, Max] microliters.
type Factor struct {
	Name string
	Min  int
	Max  int
}

// Limits holds the well-level volume constraints.
type Limits struct {
	// WellVolume is the total liquid volume of every assay well.
	WellVolume int
	// MinFiller is the floor for the filler (base media) volume.
	MinFiller int
	// Step is the amount removed from the largest factor per reduction round.
	Step int
}

// ErrInvalidSolver is returned by NewSolver for unusable configuration.
var ErrInvalidSolver = errors.New("composition: invalid solver configuration")

// Solver canonicalizes proposals into valid compositions. It is immutable
// and safe for concurrent use.
type Solver struct {
	limits  Limits
	factors []Factor
	names   []string
}

// NewSolver validates the limits and factor declarations.
func NewSolver(limits Limits, factors []Factor) (*Solver, error) {
	if limits.WellVolume <= 0 {
		return nil, fmt.Errorf("%w: well volume must be positive, got %d", ErrInvalidSolver, limits.WellVolume)
	}
	if limits.MinFiller < 0 {
		return nil, fmt.Errorf("%w: min filler must be non-negative, got %d", ErrInvalidSolver, limits.MinFiller)
	}
	if limits.Step <= 0 {
		return nil, fmt.Errorf("%w: reduction step must be positive, got %d", ErrInvalidSolver, limits.Step)
	}
	if len(factors) == 0 {
		return nil, fmt.Errorf("%w: at least one factor required", ErrInvalidSolver)
	}
	seen := make(map[string]struct{}, len(factors))
	names := make([]string, 0, len(factors))
	for i, f := range factors {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: factor[%d] missing name", ErrInvalidSolver, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate factor %q", ErrInvalidSolver, name)
		}
		if f.Min < 0 || f.Max < f.Min {
			return nil, fmt.Errorf("%w: factor %q range [%d, %d] invalid", ErrInvalidSolver, name, f.Min, f.Max)
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	fs := make([]Factor, len(factors))
	copy(fs, factors)
	for i := range fs {
		fs[i].Name = names[i]
	}
	return &Solver{limits: limits, factors: fs, names: names}, nil
}

// Limits returns the well-level constraints.
func (s *Solver) Limits() Limits { return s.limits }

// Factors returns the factor declarations in solver order.
func (s *Solver) Factors() []Factor {
	out := make([]Factor, len(s.factors))
	copy(out, s.factors)
	return out
}

// FactorNames returns the factor names in solver order.
func (s *Solver) FactorNames() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Solve canonicalizes a proposed mapping:
//
//  1. round each value to the nearest integer (ties to even);
//  2. values below the factor minimum collapse to 0;
//  3. values above the factor maximum clamp to the maximum;
//  4. while the filler is under its floor, shave Step off the largest factor
//     (ties go to the earliest factor) until the floor holds or every factor
//     is 0. The latter case is flagged via Composition.Infeasible.
//
// Missing factors count as 0 and unknown keys are ignored. Solve is
// idempotent.
func (s *Solver) Solve(proposed map[string]float64) Composition {
	volumes := make([]int, len(s.factors))
	for i, f := range s.factors {
		volumes[i] = s.bound(f, roundVolume(proposed[f.Name]))
	}

	filler := s.limits.WellVolume - sum(volumes)
	for filler < s.limits.MinFiller {
		idx := largest(volumes)
		if volumes[idx] == 0 {
			break
		}
		next := volumes[idx] - s.limits.Step
		if next < s.factors[idx].Min {
			next = 0
		}
		volumes[idx] = next
		filler = s.limits.WellVolume - sum(volumes)
	}

	factors := make([]string, len(s.names))
	copy(factors, s.names)
	return Composition{
		factors:    factors,
		volumes:    volumes,
		filler:     filler,
		infeasible: filler < s.limits.MinFiller,
	}
}

// Perturb returns Solve(c with factor increased by delta). An unknown factor
// yields the solved composition unchanged.
func (s *Solver) Perturb(c Composition, factor string, delta int) Composition {
	proposal := c.Proposal()
	if s.has(factor) {
		proposal[factor] += float64(delta)
	}
	return s.Solve(proposal)
}

// Canonical re-solves a composition that may not have come from this solver.
func (s *Solver) Canonical(c Composition) Composition {
	return s.Solve(c.Proposal())
}

func (s *Solver) has(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Solver) bound(f Factor, v int) int {
	if v < f.Min || v <= 0 {
		return 0
	}
	if v > f.Max {
		return f.Max
	}
	return v
}

func roundVolume(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	r := math.RoundToEven(v)
	if r > math.MaxInt32 {
		return math.MaxInt32
	}
	if r < math.MinInt32 {
		return math.MinInt32
	}
	return int(r)
}

func largest(volumes []int) int {
	idx := 0
	for i := 1; i < len(volumes); i++ {
		if volumes[i] > volumes[idx] {
			idx = i
		}
	}
	return idx
}

func sum(volumes []int) int {
	total := 0
	for _, v := range volumes {
		total += v
	}
	return total
}
