// Package gradient estimates a forward-difference gradient from one column of
// growth measurements and proposes the next center composition.
package gradient

import (
	"fmt"
	"math"

	"mediaopt/internal/composition"
)

// Step is the outcome of one update.
type Step struct {
	Gradient   map[string]float64      `json:"gradient"`
	Adjustment map[string]int          `json:"adjustment"`
	Next       composition.Composition `json:"next"`
	Delta      int                     `json:"delta"`
	Warnings   []string                `json:"warnings,omitempty"`
}

// Update averages each factor's replicate responses, takes the difference to
// the center response as the gradient and moves the factor by
// floor(learningRate * gradient). The raw result is canonicalized by solver.
// Factors missing from perturbed get a zero gradient and a warning. The
// adjustment is bounded by the well volume.
func Update(solver *composition.Solver, center composition.Composition, centerResponse float64, perturbed map[string][2]float64, learningRate float64, delta int) Step {
	step := Step{
		Gradient:   make(map[string]float64),
		Adjustment: make(map[string]int),
		Delta:      delta,
	}
	bound := float64(solver.Limits().WellVolume)
	raw := make(map[string]float64)
	for _, f := range solver.FactorNames() {
		old := center.Volume(f)
		reps, ok := perturbed[f]
		if !ok {
			step.Warnings = append(step.Warnings, fmt.Sprintf("no perturbation response for %s; gradient set to 0", f))
			step.Gradient[f] = 0
			step.Adjustment[f] = 0
			raw[f] = float64(old)
			continue
		}
		g := (reps[0]+reps[1])/2 - centerResponse
		adj := 0
		if scaled := math.Floor(learningRate * g); !math.IsNaN(scaled) && !math.IsInf(scaled, 0) {
			adj = int(math.Max(-bound, math.Min(bound, scaled)))
		} else {
			step.Warnings = append(step.Warnings, fmt.Sprintf("non-finite adjustment for %s; left unchanged", f))
		}
		step.Gradient[f] = g
		step.Adjustment[f] = adj
		raw[f] = float64(old + adj)
	}
	step.Next = solver.Solve(raw)
	if step.Next.Infeasible() {
		step.Warnings = append(step.Warnings, fmt.Sprintf("next center infeasible: %s", step.Next))
	}
	return step
}
