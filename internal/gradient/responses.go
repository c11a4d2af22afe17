package gradient

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"mediaopt/internal/design"
	"mediaopt/internal/workcell"
)

// MissingPolicy decides what a well absent from the measurements means.
type MissingPolicy string

const (
	// MissingAsZero treats the well's growth delta as 0.0 and warns.
	MissingAsZero MissingPolicy = "zero"
	// MissingFail rejects the observations with ErrMissingObservation.
	MissingFail MissingPolicy = "fail"
)

// ErrMissingObservation is returned under MissingFail.
var ErrMissingObservation = errors.New("missing observation")

// ParseMissingPolicy accepts "zero", "fail" or an empty string (zero).
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingAsZero:
		return MissingAsZero, nil
	case MissingFail:
		return MissingFail, nil
	}
	return "", fmt.Errorf("unknown missing-observation policy %q", s)
}

// Responses are the growth deltas of one column mapped onto design roles.
type Responses struct {
	Control   float64               `json:"control"`
	Center    float64               `json:"center"`
	Perturbed map[string][2]float64 `json:"perturbed"`
	// ByWell holds every row's delta keyed by well.
	ByWell map[string]float64 `json:"by_well"`
}

// ParseResponses computes endpoint-minus-baseline per design well and sorts
// them into control, center and perturbed replicates.
func ParseResponses(d design.ExperimentDesign, obs workcell.Observations, policy MissingPolicy) (Responses, []string, error) {
	out := Responses{Perturbed: make(map[string][2]float64), ByWell: make(map[string]float64, len(d.Rows))}
	var missing []string
	for _, r := range d.Rows {
		delta, ok := obs.Delta(r.Well)
		if !ok {
			missing = append(missing, r.Well)
			delta = 0
		}
		out.ByWell[r.Well] = delta
		switch r.Role {
		case design.RoleControl:
			out.Control = delta
		case design.RoleCenter:
			out.Center = delta
		case design.RolePerturbed:
			pair := out.Perturbed[r.Factor]
			if r.Replicate >= 1 && r.Replicate <= 2 {
				pair[r.Replicate-1] = delta
			}
			out.Perturbed[r.Factor] = pair
		}
	}
	if len(missing) == 0 {
		return out, nil, nil
	}
	sort.Strings(missing)
	if policy == MissingFail {
		return Responses{}, nil, fmt.Errorf("%w: column %d wells %s", ErrMissingObservation, d.Column, strings.Join(missing, ","))
	}
	warnings := make([]string, len(missing))
	for i, w := range missing {
		warnings[i] = fmt.Sprintf("missing observation for %s; growth delta defaulted to 0.0", w)
	}
	return out, warnings, nil
}
