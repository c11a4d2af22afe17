package design

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"mediaopt/internal/composition"
	"mediaopt/internal/tips"
)

var factorNames = []string{"Glucose", "NaCl", "MgSO4"}

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	solver, err := composition.NewSolver(
		composition.Limits{WellVolume: 180, MinFiller: 90, Step: 10},
		[]composition.Factor{{Name: "Glucose", Min: 1, Max: 90}, {Name: "NaCl", Min: 1, Max: 90}, {Name: "MgSO4", Min: 1, Max: 90}},
	)
	require.NoError(t, err)
	g, err := NewGenerator(solver, DefaultLayout(factorNames))
	require.NoError(t, err)
	return g
}

func center(g *Generator) composition.Composition {
	return g.Solver().Solve(map[string]float64{"Glucose": 20, "NaCl": 10, "MgSO4": 15})
}

func TestGenerateColumnTwo(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 2, 10)
	require.NoError(t, err)

	require.Equal(t, []string{"A2", "B2", "C2", "D2", "E2", "F2", "G2", "H2"}, d.Wells())
	require.Len(t, d.Transfers, 29)
	require.Equal(t, TransferInstruction{Source: "D1", Dest: "A2", UL: 180}, d.Transfers[0])

	// Filler group first, then A1 (160uL), C1 (125uL), B1 (90uL).
	var order []string
	for _, tr := range d.Transfers {
		if len(order) == 0 || order[len(order)-1] != tr.Source {
			order = append(order, tr.Source)
		}
	}
	require.Equal(t, []string{"D1", "A1", "C1", "B1"}, order)

	for _, tr := range d.Transfers {
		require.Positive(t, tr.UL)
	}

	row, ok := d.Row("C2")
	require.True(t, ok)
	require.Equal(t, RolePerturbed, row.Role)
	require.Equal(t, "Glucose", row.Factor)
	require.Equal(t, 1, row.Replicate)
	require.Equal(t, 30, row.Composition.Volume("Glucose"))
	require.Equal(t, 125, row.Composition.Filler())

	rep2, ok := d.Row("D2")
	require.True(t, ok)
	require.True(t, rep2.Composition.Equal(row.Composition))
	require.NoError(t, Validate(d, Limits{}))
}

func TestGenerateWithinGroupFollowsRowOrder(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 3, 10)
	require.NoError(t, err)
	var dests []string
	for _, tr := range d.Transfers {
		if tr.Source == "D1" {
			dests = append(dests, tr.Dest)
		}
	}
	require.Equal(t, []string{"A3", "B3", "C3", "D3", "E3", "F3", "G3", "H3"}, dests)
}

func TestGenerateOmitsCollapsedFiller(t *testing.T) {
	solver, err := composition.NewSolver(
		composition.Limits{WellVolume: 180, MinFiller: 0, Step: 10},
		[]composition.Factor{{Name: "Glucose", Min: 1, Max: 180}, {Name: "NaCl", Min: 1, Max: 180}, {Name: "MgSO4", Min: 1, Max: 180}},
	)
	require.NoError(t, err)
	g, err := NewGenerator(solver, DefaultLayout(factorNames))
	require.NoError(t, err)

	c := solver.Solve(map[string]float64{"Glucose": 100, "NaCl": 40, "MgSO4": 30})
	require.Equal(t, 10, c.Filler())
	d, err := g.Generate(c, 2, 10)
	require.NoError(t, err)

	filled := map[string]int{}
	for _, tr := range d.Transfers {
		require.Positive(t, tr.UL, "transfer %s", tr)
		if tr.Source == d.FillerWell {
			filled[tr.Dest] = tr.UL
		}
	}
	require.Equal(t, map[string]int{"A2": 180, "B2": 10}, filled)
	for _, r := range d.Rows {
		if r.Role != RolePerturbed {
			continue
		}
		require.Zero(t, r.Composition.Filler(), "row %s", r.Row)
		require.Equal(t, 180, r.Composition.Total())
	}
	require.NoError(t, Validate(d, Limits{}))
}

func TestGenerateOmitsZeroVolumes(t *testing.T) {
	g := newGenerator(t)
	c := g.Solver().Solve(map[string]float64{"Glucose": 90})
	d, err := g.Generate(c, 2, 10)
	require.NoError(t, err)
	for _, tr := range d.Transfers {
		require.Positive(t, tr.UL, "transfer %s", tr)
	}
	// Center row: filler 90 + glucose 90; no NaCl/MgSO4.
	var centerTransfers int
	for _, tr := range d.Transfers {
		if tr.Dest == "B2" {
			centerTransfers++
		}
	}
	require.Equal(t, 2, centerTransfers)
}

func TestGenerateResolvesUnsolvedCenter(t *testing.T) {
	g := newGenerator(t)
	var raw composition.Composition
	require.NoError(t, json.Unmarshal([]byte(`{"volumes":[{"factor":"Glucose","ul":200},{"factor":"NaCl","ul":80},{"factor":"MgSO4","ul":0}],"filler_ul":0}`), &raw))
	d, err := g.Generate(raw, 2, 10)
	require.NoError(t, err)
	for _, r := range d.Rows {
		if r.FillerOnly {
			continue
		}
		require.GreaterOrEqual(t, r.Composition.Filler(), 90, "row %s", r.Well)
		require.Equal(t, 180, r.Composition.Total()+r.Composition.Filler())
	}
}

func TestGenerateRejectsBadColumn(t *testing.T) {
	g := newGenerator(t)
	_, err := g.Generate(center(g), 0, 10)
	require.ErrorIs(t, err, ErrInvalidColumn)
}

func TestNewGeneratorLayoutChecks(t *testing.T) {
	solver := newGenerator(t).Solver()

	short := DefaultLayout(factorNames)
	short.Rows = short.Rows[:7]
	_, err := NewGenerator(solver, short)
	require.ErrorIs(t, err, ErrInvalidLayout)

	clash := DefaultLayout(factorNames)
	clash.SourceWells["NaCl"] = "D1"
	_, err = NewGenerator(solver, clash)
	require.ErrorIs(t, err, ErrInvalidLayout)

	missing := DefaultLayout(factorNames)
	delete(missing.SourceWells, "MgSO4")
	_, err = NewGenerator(solver, missing)
	require.ErrorIs(t, err, ErrInvalidLayout)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 2, 10)
	require.NoError(t, err)
	d.Transfers = append(d.Transfers,
		TransferInstruction{Source: "A1", Dest: "A9", UL: 5},
		TransferInstruction{Source: "B1", Dest: "B2", UL: 0},
	)
	err = Validate(d, Limits{})
	require.ErrorIs(t, err, ErrDesignValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Problems, 3)
	require.Equal(t, 2, verr.Column)
}

func TestValidateCustomCap(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 2, 10)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(d, Limits{MaxTransfers: 10}), ErrDesignValidation)
}

func TestTransferJSONTriple(t *testing.T) {
	data, err := json.Marshal(TransferInstruction{Source: "D1", Dest: "A2", UL: 180})
	require.NoError(t, err)
	require.JSONEq(t, `["D1","A2",180]`, string(data))

	var back TransferInstruction
	require.NoError(t, json.Unmarshal([]byte(`["A1","B2",20]`), &back))
	require.Equal(t, TransferInstruction{Source: "A1", Dest: "B2", UL: 20}, back)
	require.Error(t, json.Unmarshal([]byte(`["A1","B2"]`), &back))
	require.Error(t, json.Unmarshal([]byte(`["A1","B2",2.5]`), &back))

	s, err := EncodeTransfers(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", s)
}

func TestSubmissionTipsAndInputs(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 2, 10)
	require.NoError(t, err)
	policy, err := tips.NewPolicy(tips.DefaultClasses(), []string{"D1"})
	require.NoError(t, err)

	sub, err := NewSubmission(d, policy, SubmissionParams{
		PlateBarcode:    "PLATE-1",
		ReagentType:     "GD Compound Stock Plate",
		MonitoringWells: d.Wells(),
		Seeding:         Seeding{Enabled: true, SeedWell: "A1", NextSeedWell: "B1"},
	})
	require.NoError(t, err)
	require.Equal(t, tips.Counts{"p50": 21, "p200": 1, "p1000": 0}, sub.PlannedTips)
	require.Equal(t, tips.Counts{"p50": 22, "p200": 2, "p1000": 1}, sub.Tips)
	require.Equal(t, 4, sub.ReagentWells)

	in, err := sub.Inputs()
	require.NoError(t, err)
	require.Equal(t, "PLATE-1", in["plate_barcode"])
	require.Equal(t, "A1", in["seed_well"])
	require.Equal(t, "B1", in["next_seed_well"])
	require.Equal(t, 22, in["p50_tips_to_consume"])
	require.Equal(t, 1, in["p1000_tips_to_consume"])
	require.Equal(t, 4, in["reagent_wells_to_consume"])

	var triples [][]any
	require.NoError(t, json.Unmarshal([]byte(in["transfer_array"].(string)), &triples))
	require.Len(t, triples, 29)
	var dest []string
	require.NoError(t, json.Unmarshal([]byte(in["dest_wells"].(string)), &dest))
	require.Equal(t, d.Wells(), dest)
}

func TestSubmissionLastIterationSkipsWarmup(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 9, 10)
	require.NoError(t, err)
	policy, err := tips.NewPolicy(tips.DefaultClasses(), []string{"D1"})
	require.NoError(t, err)
	sub, err := NewSubmission(d, policy, SubmissionParams{Seeding: Seeding{Enabled: true, SeedWell: "H1"}})
	require.NoError(t, err)
	require.Equal(t, 0, sub.Tips["p1000"])
	require.Equal(t, 3, sub.ReagentWells)
}

func TestSubmissionWithoutSeeding(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 2, 10)
	require.NoError(t, err)
	policy, err := tips.NewPolicy(tips.DefaultClasses(), []string{"D1"})
	require.NoError(t, err)
	sub, err := NewSubmission(d, policy, SubmissionParams{})
	require.NoError(t, err)
	require.Equal(t, sub.PlannedTips, sub.Tips)
	in, err := sub.Inputs()
	require.NoError(t, err)
	_, ok := in["seed_well"]
	require.False(t, ok)
}

func TestSubmissionRejectsSeedOverlap(t *testing.T) {
	g := newGenerator(t)
	d, err := g.Generate(center(g), 1, 10)
	require.NoError(t, err)
	policy, err := tips.NewPolicy(tips.DefaultClasses(), nil)
	require.NoError(t, err)
	_, err = NewSubmission(d, policy, SubmissionParams{Seeding: Seeding{Enabled: true, SeedWell: "A1"}})
	require.ErrorIs(t, err, ErrDesignValidation)
}
