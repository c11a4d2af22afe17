// Package composition models well recipes (factor volumes plus filler) and the
// constraint solver that canonicalizes arbitrary proposals into physically
// valid compositions.
package composition

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Composition is a solved recipe for one well. Factor volumes and the derived
// filler volume are integer microliters. Values are only produced by a Solver
// (or decoded from a record the solver produced) and never mutated afterwards.
type Composition struct {
	factors    []string
	volumes    []int
	filler     int
	infeasible bool
}

// Factors returns the factor names in solver order.
func (c Composition) Factors() []string {
	out := make([]string, len(c.factors))
	copy(out, c.factors)
	return out
}

// Volume returns the volume for the named factor, 0 when unknown.
func (c Composition) Volume(name string) int {
	for i, f := range c.factors {
		if f == name {
			return c.volumes[i]
		}
	}
	return 0
}

// Filler returns the base volume topping the well up to its total volume.
func (c Composition) Filler() int { return c.filler }

// Infeasible reports the degenerate case where even zeroing every factor
// could not keep the filler at or above its floor.
func (c Composition) Infeasible() bool { return c.infeasible }

// Total returns the sum of factor volumes (filler excluded).
func (c Composition) Total() int {
	sum := 0
	for _, v := range c.volumes {
		sum += v
	}
	return sum
}

// IsZero reports whether the composition was never produced by a solver.
func (c Composition) IsZero() bool { return len(c.factors) == 0 && c.filler == 0 }

// Map returns a copy of the factor volumes.
func (c Composition) Map() map[string]int {
	out := make(map[string]int, len(c.factors))
	for i, f := range c.factors {
		out[f] = c.volumes[i]
	}
	return out
}

// Proposal converts the composition back into the solver's input form.
func (c Composition) Proposal() map[string]float64 {
	out := make(map[string]float64, len(c.factors))
	for i, f := range c.factors {
		out[f] = float64(c.volumes[i])
	}
	return out
}

// Equal compares factor ordering, volumes, filler and the infeasible flag.
func (c Composition) Equal(o Composition) bool {
	if len(c.factors) != len(o.factors) || c.filler != o.filler || c.infeasible != o.infeasible {
		return false
	}
	for i := range c.factors {
		if c.factors[i] != o.factors[i] || c.volumes[i] != o.volumes[i] {
			return false
		}
	}
	return true
}

func (c Composition) String() string {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range c.factors {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", f, c.volumes[i])
	}
	fmt.Fprintf(&b, "} filler=%d", c.filler)
	if c.infeasible {
		b.WriteString(" (infeasible)")
	}
	return b.String()
}

type volumeJSON struct {
	Factor string `json:"factor"`
	UL     int    `json:"ul"`
}

type compositionJSON struct {
	Volumes    []volumeJSON `json:"volumes"`
	FillerUL   int          `json:"filler_ul"`
	Infeasible bool         `json:"infeasible,omitempty"`
}

// MarshalJSON keeps factor ordering by encoding volumes as a list.
func (c Composition) MarshalJSON() ([]byte, error) {
	out := compositionJSON{Volumes: make([]volumeJSON, len(c.factors)), FillerUL: c.filler, Infeasible: c.infeasible}
	for i, f := range c.factors {
		out.Volumes[i] = volumeJSON{Factor: f, UL: c.volumes[i]}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a composition persisted by MarshalJSON.
func (c *Composition) UnmarshalJSON(data []byte) error {
	var in compositionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode composition: %w", err)
	}
	seen := make(map[string]struct{}, len(in.Volumes))
	factors := make([]string, 0, len(in.Volumes))
	volumes := make([]int, 0, len(in.Volumes))
	for _, v := range in.Volumes {
		if _, dup := seen[v.Factor]; dup {
			return fmt.Errorf("decode composition: duplicate factor %q", v.Factor)
		}
		if v.UL < 0 {
			return fmt.Errorf("decode composition: negative volume for %q", v.Factor)
		}
		seen[v.Factor] = struct{}{}
		factors = append(factors, v.Factor)
		volumes = append(volumes, v.UL)
	}
	*c = Composition{factors: factors, volumes: volumes, filler: in.FillerUL, infeasible: in.Infeasible}
	return nil
}
