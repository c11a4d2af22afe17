// Package sim is an in-process workcell: it accepts transfer submissions,
// advances them through pending and running on successive polls and derives
// OD600 readings from a smooth response surface over factor volumes.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"mediaopt/internal/design"
	"mediaopt/internal/workcell"
)

var (
	_ workcell.Executor = (*Workcell)(nil)
	_ workcell.Observer = (*Workcell)(nil)
)

// ErrUnknownRun is returned by PollStatus for an id that was never submitted.
var ErrUnknownRun = errors.New("sim: unknown run")

// Surface is a Gaussian growth peak over factor volumes. Growth for a well is
// Peak * exp(-sum(((v-Optimum[f])/Width[f])^2)) plus noise.
type Surface struct {
	Optimum map[string]float64
	Width   map[string]float64
	Peak    float64
	Noise   float64
}

// DefaultSurface centres the optimum at 40 uL for each factor.
func DefaultSurface(factors []string) Surface {
	s := Surface{Optimum: map[string]float64{}, Width: map[string]float64{}, Peak: 0.8, Noise: 0.01}
	for _, f := range factors {
		s.Optimum[f] = 40
		s.Width[f] = 60
	}
	return s
}

// Growth evaluates the surface without noise.
func (s Surface) Growth(volumes map[string]float64) float64 {
	exp := 0.0
	for f, opt := range s.Optimum {
		w := s.Width[f]
		if w <= 0 {
			continue
		}
		d := (volumes[f] - opt) / w
		exp += d * d
	}
	return s.Peak * math.Exp(-exp)
}

// Options configures a Workcell.
type Options struct {
	// SourceFactors maps reagent source wells to factor names. Transfers from
	// other sources (filler) add volume but no factor.
	SourceFactors map[string]string
	Surface       Surface
	Seed          int64
	// RunningPolls is how many polls report running before the terminal status.
	RunningPolls int
	// Outcomes overrides the terminal status of the n-th submission (1-based).
	Outcomes map[int]workcell.Status
	// Hang keeps every run in running forever.
	Hang bool
	// DropWells are omitted from the endpoint readings.
	DropWells []string
	// Baseline is the OD600 read right after seeding.
	Baseline float64
}

type run struct {
	index   int
	polls   int
	outcome workcell.Status
	plate   string
	wells   map[string]map[string]float64
}

// Workcell implements workcell.Executor and workcell.Observer.
type Workcell struct {
	mu       sync.Mutex
	opts     Options
	rng      *rand.Rand
	runs     map[string]*run
	order    []string
	readings map[string]map[string]workcell.Observations
}

// New creates a simulator.
func New(opts Options) *Workcell {
	if opts.Baseline == 0 {
		opts.Baseline = 0.05
	}
	if opts.RunningPolls < 0 {
		opts.RunningPolls = 0
	}
	return &Workcell{
		opts:     opts,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		runs:     make(map[string]*run),
		readings: make(map[string]map[string]workcell.Observations),
	}
}

// Submit parses transfer_array and dest_wells and registers a new run.
func (w *Workcell) Submit(ctx context.Context, definitionID string, inputs map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if definitionID == "" {
		return "", fmt.Errorf("sim: definition id required")
	}
	transfers, err := decodeTransfers(inputs["transfer_array"])
	if err != nil {
		return "", err
	}
	var dest []string
	if err := decodeJSONString(inputs["dest_wells"], &dest); err != nil {
		return "", fmt.Errorf("sim: dest_wells: %w", err)
	}
	plate, _ := inputs["plate_barcode"].(string)

	wells := make(map[string]map[string]float64, len(dest))
	for _, d := range dest {
		wells[d] = map[string]float64{}
	}
	for _, t := range transfers {
		vols, ok := wells[t.Dest]
		if !ok {
			return "", fmt.Errorf("sim: transfer %s targets undeclared well", t)
		}
		if f, ok := w.opts.SourceFactors[t.Source]; ok {
			vols[f] += float64(t.UL)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	index := len(w.order) + 1
	outcome := workcell.StatusCompleted
	if s, ok := w.opts.Outcomes[index]; ok {
		outcome = s
	}
	id := uuid.NewString()
	w.runs[id] = &run{index: index, outcome: outcome, plate: plate, wells: wells}
	w.order = append(w.order, id)
	return id, nil
}

// PollStatus advances the run one step per call: pending, then running for
// RunningPolls calls, then its terminal status. Completed runs produce
// readings at that point.
func (w *Workcell) PollStatus(ctx context.Context, runID string) (workcell.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.runs[runID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.polls++
	switch {
	case r.polls == 1:
		return workcell.StatusPending, nil
	case w.opts.Hang || r.polls <= 1+w.opts.RunningPolls:
		return workcell.StatusRunning, nil
	}
	if r.polls == 2+w.opts.RunningPolls && r.outcome.Succeeded() {
		w.record(r)
	}
	return r.outcome, nil
}

func (w *Workcell) record(r *run) {
	plate := w.readings[r.plate]
	if plate == nil {
		plate = make(map[string]workcell.Observations)
		w.readings[r.plate] = plate
	}
	dropped := make(map[string]struct{}, len(w.opts.DropWells))
	for _, d := range w.opts.DropWells {
		dropped[d] = struct{}{}
	}
	for well, vols := range r.wells {
		col := column(well)
		obs, ok := plate[col]
		if !ok {
			obs = workcell.Observations{Baseline: map[string]float64{}, Endpoint: map[string]float64{}}
			plate[col] = obs
		}
		base := w.opts.Baseline
		obs.Baseline[well] = base
		if _, skip := dropped[well]; skip {
			continue
		}
		growth := w.opts.Surface.Growth(vols) + w.rng.NormFloat64()*w.opts.Surface.Noise
		obs.Endpoint[well] = base + growth
	}
}

// FetchObservations returns the readings recorded for column. A column with
// no completed run yields empty maps.
func (w *Workcell) FetchObservations(ctx context.Context, plateID string, col int) (workcell.Observations, error) {
	if err := ctx.Err(); err != nil {
		return workcell.Observations{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := workcell.Observations{Baseline: map[string]float64{}, Endpoint: map[string]float64{}}
	obs, ok := w.readings[plateID][fmt.Sprint(col)]
	if !ok {
		return out, nil
	}
	for k, v := range obs.Baseline {
		out.Baseline[k] = v
	}
	for k, v := range obs.Endpoint {
		out.Endpoint[k] = v
	}
	return out, nil
}

// Submissions returns the number of accepted submissions.
func (w *Workcell) Submissions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Composition returns the factor volumes the simulator derived for a well
// of the given run.
func (w *Workcell) Composition(runID, well string) (map[string]float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.runs[runID]
	if !ok {
		return nil, false
	}
	vols, ok := r.wells[well]
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(vols))
	for k, v := range vols {
		out[k] = v
	}
	return out, true
}

func column(well string) string {
	for i, r := range well {
		if r >= '0' && r <= '9' {
			return well[i:]
		}
	}
	return ""
}

func decodeTransfers(v any) ([]design.TransferInstruction, error) {
	var out []design.TransferInstruction
	if err := decodeJSONString(v, &out); err != nil {
		return nil, fmt.Errorf("sim: transfer_array: %w", err)
	}
	return out, nil
}

func decodeJSONString(v any, dst any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected JSON string, got %T", v)
	}
	return json.Unmarshal([]byte(s), dst)
}
