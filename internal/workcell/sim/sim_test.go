package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediaopt/internal/design"
	"mediaopt/internal/workcell"
)

func submission(t *testing.T) map[string]any {
	t.Helper()
	transfers, err := design.EncodeTransfers([]design.TransferInstruction{
		{Source: "D1", Dest: "A2", UL: 180},
		{Source: "D1", Dest: "B2", UL: 140},
		{Source: "A1", Dest: "B2", UL: 40},
	})
	require.NoError(t, err)
	return map[string]any{
		"plate_barcode":  "PLATE-1",
		"transfer_array": transfers,
		"dest_wells":     `["A2","B2"]`,
	}
}

func newSim(opts Options) *Workcell {
	if opts.SourceFactors == nil {
		opts.SourceFactors = map[string]string{"A1": "Glucose"}
	}
	if opts.Surface.Peak == 0 {
		opts.Surface = DefaultSurface([]string{"Glucose"})
		opts.Surface.Noise = 0
	}
	return New(opts)
}

func TestStatusProgression(t *testing.T) {
	ctx := context.Background()
	w := newSim(Options{RunningPolls: 2})
	id, err := w.Submit(ctx, "wf", submission(t))
	require.NoError(t, err)

	var got []workcell.Status
	for i := 0; i < 5; i++ {
		s, err := w.PollStatus(ctx, id)
		require.NoError(t, err)
		got = append(got, s)
	}
	require.Equal(t, []workcell.Status{
		workcell.StatusPending, workcell.StatusRunning, workcell.StatusRunning,
		workcell.StatusCompleted, workcell.StatusCompleted,
	}, got)
	require.Equal(t, 1, w.Submissions())
}

func TestObservationsFollowSurface(t *testing.T) {
	ctx := context.Background()
	w := newSim(Options{})
	id, err := w.Submit(ctx, "wf", submission(t))
	require.NoError(t, err)

	obs, err := w.FetchObservations(ctx, "PLATE-1", 2)
	require.NoError(t, err)
	require.Empty(t, obs.Endpoint, "no readings before completion")

	for i := 0; i < 2; i++ {
		_, err := w.PollStatus(ctx, id)
		require.NoError(t, err)
	}
	obs, err = w.FetchObservations(ctx, "PLATE-1", 2)
	require.NoError(t, err)
	control, ok := obs.Delta("A2")
	require.True(t, ok)
	dosed, ok := obs.Delta("B2")
	require.True(t, ok)
	require.Greater(t, dosed, control, "40 uL sits at the optimum")
	require.InDelta(t, 0.8, dosed, 1e-9)

	vols, ok := w.Composition(id, "B2")
	require.True(t, ok)
	require.Equal(t, map[string]float64{"Glucose": 40}, vols)

	other, err := w.FetchObservations(ctx, "PLATE-1", 3)
	require.NoError(t, err)
	require.Empty(t, other.Baseline)
}

func TestOutcomeOverrideAndHang(t *testing.T) {
	ctx := context.Background()
	w := newSim(Options{Outcomes: map[int]workcell.Status{2: workcell.StatusFailed}})
	first, err := w.Submit(ctx, "wf", submission(t))
	require.NoError(t, err)
	second, err := w.Submit(ctx, "wf", submission(t))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	for i := 0; i < 2; i++ {
		_, _ = w.PollStatus(ctx, first)
	}
	var last workcell.Status
	for i := 0; i < 2; i++ {
		last, err = w.PollStatus(ctx, second)
		require.NoError(t, err)
	}
	require.Equal(t, workcell.StatusFailed, last)

	hung := newSim(Options{Hang: true})
	id, err := hung.Submit(ctx, "wf", submission(t))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		last, err = hung.PollStatus(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, workcell.StatusRunning, last)
}

func TestDropWells(t *testing.T) {
	ctx := context.Background()
	w := newSim(Options{DropWells: []string{"B2"}})
	id, err := w.Submit(ctx, "wf", submission(t))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _ = w.PollStatus(ctx, id)
	}
	obs, err := w.FetchObservations(ctx, "PLATE-1", 2)
	require.NoError(t, err)
	_, ok := obs.Delta("B2")
	require.False(t, ok)
	_, ok = obs.Delta("A2")
	require.True(t, ok)
}

func TestSubmitErrors(t *testing.T) {
	ctx := context.Background()
	w := newSim(Options{})
	_, err := w.Submit(ctx, "", submission(t))
	require.Error(t, err)

	in := submission(t)
	in["dest_wells"] = `["A2"]`
	_, err = w.Submit(ctx, "wf", in)
	require.ErrorContains(t, err, "undeclared")

	in = submission(t)
	in["transfer_array"] = []int{1}
	_, err = w.Submit(ctx, "wf", in)
	require.ErrorContains(t, err, "transfer_array")

	_, err = w.PollStatus(ctx, "nope")
	require.True(t, errors.Is(err, ErrUnknownRun))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = w.Submit(cancelled, "wf", submission(t))
	require.ErrorIs(t, err, context.Canceled)
}

func TestClockAdvancesOnSleep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)
	require.NoError(t, c.Sleep(context.Background(), 90*time.Minute))
	require.Equal(t, start.Add(90*time.Minute), c.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Sleep(ctx, time.Hour), context.Canceled)
	require.Equal(t, start.Add(90*time.Minute), c.Now())
}
