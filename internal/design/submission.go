package design

import (
	"encoding/json"
	"fmt"

	"mediaopt/internal/tips"
)

// Seeding describes the seed-culture wells used for one iteration. Seed wells
// live in column 1 of the experiment plate.
type Seeding struct {
	Enabled      bool
	SeedWell     string
	NextSeedWell string
}

// SubmissionParams carries the run-level values that accompany a design.
type SubmissionParams struct {
	PlateBarcode    string
	ReagentType     string
	MonitoringWells []string
	Seeding         Seeding
}

// Submission is everything the execution boundary needs for one column.
type Submission struct {
	Transfers       []TransferInstruction
	DestWells       []string
	MonitoringWells []string
	SeedWell        string
	NextSeedWell    string
	ReagentType     string
	PlateBarcode    string
	// PlannedTips is the transfer estimate; Tips adds the seeding extras.
	PlannedTips  tips.Counts
	Tips         tips.Counts
	ReagentWells int
}

// NewSubmission estimates tips for the design and adds the seeding extras:
// one small tip for seeding, one medium tip for mixing the seed well and one
// large tip for warming the next seed well when there is one.
func NewSubmission(d ExperimentDesign, policy *tips.Policy, params SubmissionParams) (Submission, error) {
	dest := d.Wells()
	if params.Seeding.Enabled {
		if params.Seeding.SeedWell == "" {
			return Submission{}, fmt.Errorf("%w: seed well required when seeding", ErrDesignValidation)
		}
		for _, w := range dest {
			if w == params.Seeding.SeedWell {
				return Submission{}, fmt.Errorf("%w: seed well %s overlaps destination wells", ErrDesignValidation, w)
			}
		}
	}
	planned := tips.Estimate(policy, d.Transfers)
	total := planned.Add(SeedingExtras(policy, params.Seeding))

	reagentWells := 0
	for _, src := range d.Sources() {
		if src != d.FillerWell {
			reagentWells++
		}
	}
	if params.Seeding.Enabled && params.Seeding.NextSeedWell != "" {
		reagentWells++
	}

	return Submission{
		Transfers:       append([]TransferInstruction(nil), d.Transfers...),
		DestWells:       dest,
		MonitoringWells: append([]string(nil), params.MonitoringWells...),
		SeedWell:        params.Seeding.SeedWell,
		NextSeedWell:    params.Seeding.NextSeedWell,
		ReagentType:     params.ReagentType,
		PlateBarcode:    params.PlateBarcode,
		PlannedTips:     planned,
		Tips:            total,
		ReagentWells:    reagentWells,
	}, nil
}

// SeedingExtras returns the tips consumed by the seeding steps alone.
func SeedingExtras(policy *tips.Policy, s Seeding) tips.Counts {
	extras := policy.Zero()
	if !s.Enabled {
		return extras
	}
	classes := policy.Classes()
	small := classes[0].Name
	medium := small
	if len(classes) > 1 {
		medium = classes[1].Name
	}
	large := classes[len(classes)-1].Name
	extras[small]++
	extras[medium]++
	if s.NextSeedWell != "" {
		extras[large]++
	}
	return extras
}

// Inputs renders the submission as workflow inputs. List values are encoded
// as JSON strings, matching what the workflow definition parses.
func (s Submission) Inputs() (map[string]any, error) {
	transfers, err := EncodeTransfers(s.Transfers)
	if err != nil {
		return nil, err
	}
	dest, err := json.Marshal(nonNil(s.DestWells))
	if err != nil {
		return nil, fmt.Errorf("encode dest wells: %w", err)
	}
	monitoring, err := json.Marshal(nonNil(s.MonitoringWells))
	if err != nil {
		return nil, fmt.Errorf("encode monitoring wells: %w", err)
	}
	in := map[string]any{
		"plate_barcode":            s.PlateBarcode,
		"transfer_array":           transfers,
		"dest_wells":               string(dest),
		"monitoring_wells":         string(monitoring),
		"reagent_type":             s.ReagentType,
		"reagent_wells_to_consume": s.ReagentWells,
	}
	if s.SeedWell != "" {
		in["seed_well"] = s.SeedWell
		in["next_seed_well"] = s.NextSeedWell
	}
	for class, n := range s.Tips {
		in[class+"_tips_to_consume"] = n
	}
	return in, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
