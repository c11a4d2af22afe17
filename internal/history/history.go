// Package history holds the append-only record of an optimization run and
// the storage contract used to persist it after every iteration.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"mediaopt/internal/composition"
	"mediaopt/internal/design"
	"mediaopt/internal/tips"
	"mediaopt/internal/workcell"
)

// IterationRecord captures one finished iteration. Records for failed or
// cancelled runs carry no growth data and no next center.
type IterationRecord struct {
	Iteration    int                          `json:"iteration"`
	Column       int                          `json:"column"`
	RunID        string                       `json:"run_id,omitempty"`
	Status       workcell.Status              `json:"status"`
	SeedWell     string                       `json:"seed_well,omitempty"`
	NextSeedWell string                       `json:"next_seed_well,omitempty"`
	Delta        int                          `json:"delta"`
	Center       composition.Composition      `json:"center"`
	Wells        []string                     `json:"wells"`
	Growth       map[string]float64           `json:"growth_deltas,omitempty"`
	Gradient     map[string]float64           `json:"gradient,omitempty"`
	Adjustment   map[string]int               `json:"adjustment,omitempty"`
	Next         *composition.Composition     `json:"next_center,omitempty"`
	Warnings     []string                     `json:"warnings,omitempty"`
	Tips         tips.Counts                  `json:"tips,omitempty"`
	Transfers    []design.TransferInstruction `json:"transfers,omitempty"`
	StartedAt    time.Time                    `json:"started_at"`
	FinishedAt   time.Time                    `json:"finished_at"`
}

// Completed reports whether the record carries a usable next center.
func (r IterationRecord) Completed() bool {
	return r.Status.Succeeded() && r.Next != nil
}

// Abort describes an in-flight iteration that never produced a record,
// typically because its wait deadline passed.
type Abort struct {
	Iteration int       `json:"iteration"`
	Column    int       `json:"column"`
	RunID     string    `json:"run_id,omitempty"`
	Wells     []string  `json:"wells,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// RunHistory is the ordered record of one optimization run.
type RunHistory struct {
	RunID        string            `json:"run_id"`
	PlateBarcode string            `json:"plate_barcode,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Records      []IterationRecord `json:"records"`
	Abort        *Abort            `json:"abort,omitempty"`
}

// StatusAborted marks a record settled from an abort marker. The run it
// names never reported a terminal status.
const StatusAborted workcell.Status = "aborted"

// ErrOutOfOrder is returned by Append for a non-increasing iteration index.
var ErrOutOfOrder = errors.New("history: iteration out of order")

// New starts an empty history.
func New(runID, plate string, now time.Time) RunHistory {
	return RunHistory{RunID: runID, PlateBarcode: plate, CreatedAt: now, UpdatedAt: now, Records: []IterationRecord{}}
}

// Append adds rec at the end. Iteration indexes must strictly increase.
func (h *RunHistory) Append(rec IterationRecord) error {
	if n := len(h.Records); n > 0 && rec.Iteration <= h.Records[n-1].Iteration {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, rec.Iteration, h.Records[n-1].Iteration)
	}
	h.Records = append(h.Records, rec)
	if rec.FinishedAt.After(h.UpdatedAt) {
		h.UpdatedAt = rec.FinishedAt
	}
	return nil
}

// SettleAbort turns a pending abort marker into a record, so that the wells
// and column it consumed stay accounted for once another abort is recorded.
// It reports whether a marker was present.
func (h *RunHistory) SettleAbort() (bool, error) {
	if h.Abort == nil {
		return false, nil
	}
	a := h.Abort
	rec := IterationRecord{
		Iteration:  a.Iteration,
		Column:     a.Column,
		RunID:      a.RunID,
		Status:     StatusAborted,
		Wells:      append([]string(nil), a.Wells...),
		Warnings:   []string{a.Reason},
		StartedAt:  a.At,
		FinishedAt: a.At,
	}
	if err := h.Append(rec); err != nil {
		return false, err
	}
	h.Abort = nil
	return true, nil
}

// Completed returns the records whose run completed.
func (h RunHistory) Completed() []IterationRecord {
	var out []IterationRecord
	for _, r := range h.Records {
		if r.Completed() {
			out = append(out, r)
		}
	}
	return out
}

// LastCompleted returns the most recent completed record.
func (h RunHistory) LastCompleted() (IterationRecord, bool) {
	for i := len(h.Records) - 1; i >= 0; i-- {
		if h.Records[i].Completed() {
			return h.Records[i], true
		}
	}
	return IterationRecord{}, false
}

// LastIteration returns the highest iteration index seen, including an
// aborted one.
func (h RunHistory) LastIteration() int {
	last := 0
	if n := len(h.Records); n > 0 {
		last = h.Records[n-1].Iteration
	}
	if h.Abort != nil && h.Abort.Iteration > last {
		last = h.Abort.Iteration
	}
	return last
}

// UsedColumns returns every column consumed by a record or the abort marker,
// ascending.
func (h RunHistory) UsedColumns() []int {
	seen := make(map[int]struct{})
	for _, r := range h.Records {
		seen[r.Column] = struct{}{}
	}
	if h.Abort != nil && h.Abort.Column > 0 {
		seen[h.Abort.Column] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// NextColumn returns the column after the highest one used, or first when
// nothing has been used yet.
func (h RunHistory) NextColumn(first int) int {
	used := h.UsedColumns()
	if len(used) == 0 || used[len(used)-1] < first {
		return first
	}
	return used[len(used)-1] + 1
}

// MonitoringWells returns every inoculated well in first-use order. Failed
// and aborted iterations still count: their wells were seeded.
func (h RunHistory) MonitoringWells() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(wells []string) {
		for _, w := range wells {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	for _, r := range h.Records {
		add(r.Wells)
	}
	if h.Abort != nil {
		add(h.Abort.Wells)
	}
	return out
}

// Summary is the listing view of a stored history.
type Summary struct {
	RunID        string    `json:"run_id"`
	PlateBarcode string    `json:"plate_barcode,omitempty"`
	Iterations   int       `json:"iterations"`
	Completed    int       `json:"completed"`
	Aborted      bool      `json:"aborted"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize builds the listing view.
func (h RunHistory) Summarize() Summary {
	return Summary{
		RunID:        h.RunID,
		PlateBarcode: h.PlateBarcode,
		Iterations:   len(h.Records),
		Completed:    len(h.Completed()),
		Aborted:      h.Abort != nil,
		UpdatedAt:    h.UpdatedAt,
	}
}

// Encode serializes a history for storage.
func Encode(h RunHistory) ([]byte, error) {
	if h.Records == nil {
		h.Records = []IterationRecord{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode history %s: %w", h.RunID, err)
	}
	return data, nil
}

// Decode restores a history written by Encode.
func Decode(data []byte) (RunHistory, error) {
	var h RunHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return RunHistory{}, fmt.Errorf("decode history: %w", err)
	}
	return h, nil
}
