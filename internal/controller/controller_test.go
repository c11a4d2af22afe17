package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mediaopt/internal/composition"
	"mediaopt/internal/design"
	"mediaopt/internal/gradient"
	"mediaopt/internal/history"
	"mediaopt/internal/infra/persistence/memory"
	"mediaopt/internal/tips"
	"mediaopt/internal/workcell"
	"mediaopt/internal/workcell/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder wraps an executor and keeps every submission's inputs.
type recorder struct {
	workcell.Executor
	mu       sync.Mutex
	inputs   []map[string]any
	onSubmit func(n int)
	pollErrs int
	onPoll   func()
}

func (r *recorder) Submit(ctx context.Context, def string, in map[string]any) (string, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	n := len(r.inputs)
	hook := r.onSubmit
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return r.Executor.Submit(ctx, def, in)
}

func (r *recorder) PollStatus(ctx context.Context, id string) (workcell.Status, error) {
	if r.onPoll != nil {
		r.onPoll()
	}
	r.mu.Lock()
	if r.pollErrs > 0 {
		r.pollErrs--
		r.mu.Unlock()
		return "", errors.New("gateway timeout")
	}
	r.mu.Unlock()
	return r.Executor.PollStatus(ctx, id)
}

var factorNames = []string{"Glucose", "NaCl", "MgSO4"}

type harness struct {
	gen   *design.Generator
	store *memory.Store
	clock *sim.Clock
	sim   *sim.Workcell
	exec  *recorder
}

func newHarness(t *testing.T, opts sim.Options) *harness {
	t.Helper()
	solver, err := composition.NewSolver(
		composition.Limits{WellVolume: 180, MinFiller: 90, Step: 10},
		[]composition.Factor{{Name: "Glucose", Min: 1, Max: 90}, {Name: "NaCl", Min: 1, Max: 90}, {Name: "MgSO4", Min: 1, Max: 90}},
	)
	require.NoError(t, err)
	layout := design.DefaultLayout(factorNames)
	gen, err := design.NewGenerator(solver, layout)
	require.NoError(t, err)
	opts.SourceFactors = map[string]string{}
	for f, w := range layout.SourceWells {
		opts.SourceFactors[w] = f
	}
	opts.Surface = sim.DefaultSurface(factorNames)
	opts.Surface.Noise = 0
	w := sim.New(opts)
	return &harness{gen: gen, store: memory.NewStore(), clock: sim.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)), sim: w, exec: &recorder{Executor: w}}
}

func baseConfig() Config {
	return Config{
		PlateBarcode: "PLATE-7",
		DefinitionID: "wf-def",
		ReagentType:  "Media",
		Iterations:   3,
		Delta:        10,
		LearningRate: 500,
		PollInterval: 30 * time.Second,
		Timeout:      10 * time.Minute,
		Start:        map[string]float64{"Glucose": 20, "NaCl": 10, "MgSO4": 15},
		Seeding:      true,
	}
}

func (h *harness) controller(t *testing.T, cfg Config, opts ...Option) *Controller {
	t.Helper()
	policy, err := tips.NewPolicy(tips.DefaultClasses(), []string{"D1"})
	require.NoError(t, err)
	opts = append([]Option{WithClock(h.clock)}, opts...)
	c, err := New(cfg, Deps{Generator: h.gen, Policy: policy, Executor: h.exec, Observer: h.sim, Store: h.store}, opts...)
	require.NoError(t, err)
	return c
}

func TestRunCompletesAllIterations(t *testing.T) {
	h := newHarness(t, sim.Options{RunningPolls: 3})
	c := h.controller(t, baseConfig())

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, res.Outcome)
	require.Equal(t, StateDone, c.State())
	require.Len(t, res.History.Records, 3)

	for i, rec := range res.History.Records {
		require.Equal(t, i+1, rec.Iteration)
		require.Equal(t, i+2, rec.Column)
		require.True(t, rec.Completed())
		require.Len(t, rec.Growth, 8)
	}
	require.Equal(t, "A1", res.History.Records[0].SeedWell)
	require.Equal(t, "B1", res.History.Records[0].NextSeedWell)
	require.Equal(t, "C1", res.History.Records[2].SeedWell)
	require.Empty(t, res.History.Records[2].NextSeedWell)

	// Each iteration starts from the previous one's next center.
	require.True(t, res.History.Records[1].Center.Equal(*res.History.Records[0].Next))
	require.True(t, res.Center.Equal(*res.History.Records[2].Next))
	// Glucose below its optimum climbs.
	require.Greater(t, res.History.Records[0].Next.Volume("Glucose"), 20)

	stored, err := h.store.Load(context.Background(), c.RunID())
	require.NoError(t, err)
	require.Len(t, stored.Records, 3)

	require.Len(t, h.exec.inputs, 3)
	require.Equal(t, `["A2","B2","C2","D2","E2","F2","G2","H2"]`, h.exec.inputs[0]["monitoring_wells"])
	require.Contains(t, h.exec.inputs[2]["monitoring_wells"], `"H4"`)
	require.Contains(t, h.exec.inputs[2]["monitoring_wells"], `"A2"`)
	require.Equal(t, 0, h.exec.inputs[2]["p1000_tips_to_consume"])
	require.Equal(t, 1, h.exec.inputs[0]["p1000_tips_to_consume"])
}

func TestResumeContinuesFromLastCompleted(t *testing.T) {
	h := newHarness(t, sim.Options{})
	cfg := baseConfig()
	cfg.Iterations = 2
	first := h.controller(t, cfg)
	res, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History.Records, 2)

	cfg.Iterations = 4
	second := h.controller(t, cfg, WithRunID(first.RunID()))
	res, err = second.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, res.Outcome)
	require.Len(t, res.History.Records, 4)
	require.Equal(t, 3, res.History.Records[2].Iteration)
	require.Equal(t, 4, res.History.Records[2].Column)
	require.True(t, res.History.Records[2].Center.Equal(*res.History.Records[1].Next))
	require.Equal(t, "C1", res.History.Records[2].SeedWell)
}

func TestStopFinishesCurrentIteration(t *testing.T) {
	h := newHarness(t, sim.Options{})
	c := h.controller(t, baseConfig())
	h.exec.onSubmit = func(int) { c.Stop() }

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateStopped, res.Outcome)
	require.Len(t, res.History.Records, 1)
	require.True(t, res.History.Records[0].Completed())
}

func TestDesignRejectedLeavesHistoryUntouched(t *testing.T) {
	h := newHarness(t, sim.Options{})
	cfg := baseConfig()
	cfg.MaxTransfers = 5
	c := h.controller(t, cfg)

	res, err := c.Run(context.Background())
	require.ErrorIs(t, err, design.ErrDesignValidation)
	require.Equal(t, StateRejected, res.Outcome)
	require.Empty(t, res.History.Records)
	require.Empty(t, h.exec.inputs)
	_, err = h.store.Load(context.Background(), c.RunID())
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestExecutionFailureRecordsAndStops(t *testing.T) {
	h := newHarness(t, sim.Options{Outcomes: map[int]workcell.Status{2: workcell.StatusCancelled}})
	c := h.controller(t, baseConfig())

	res, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrExecutionFailed)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, workcell.StatusCancelled, execErr.Status)
	require.Equal(t, 2, execErr.Iteration)
	require.Equal(t, StateAborted, res.Outcome)
	require.Equal(t, StateFailed, res.Cause)
	require.Equal(t, StateAborted, c.State())

	require.Len(t, res.History.Records, 2)
	failed := res.History.Records[1]
	require.False(t, failed.Completed())
	require.Nil(t, failed.Next)
	require.Empty(t, failed.Growth)
	require.Equal(t, 3, failed.Column)

	stored, err := h.store.Load(context.Background(), c.RunID())
	require.NoError(t, err)
	require.Len(t, stored.Records, 2)

	// Resuming skips the failed column and restarts from iteration 1's next center.
	h2 := newHarness(t, sim.Options{})
	h2.store = h.store
	resumed := h2.controller(t, baseConfig(), WithRunID(c.RunID()))
	res, err = resumed.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History.Records, 3)
	require.Equal(t, 4, res.History.Records[2].Column)
	require.True(t, res.History.Records[2].Center.Equal(*res.History.Records[0].Next))
}

func TestTimeoutMarksAbort(t *testing.T) {
	h := newHarness(t, sim.Options{Hang: true})
	c := h.controller(t, baseConfig())

	res, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.GreaterOrEqual(t, te.Waited, 10*time.Minute)
	require.Equal(t, StateAborted, res.Outcome)
	require.Equal(t, StateTimedOut, res.Cause)
	require.Empty(t, res.History.Records)

	stored, err := h.store.Load(context.Background(), c.RunID())
	require.NoError(t, err)
	require.NotNil(t, stored.Abort)
	require.Equal(t, 2, stored.Abort.Column)
	require.Len(t, stored.Abort.Wells, 8)

	h2 := newHarness(t, sim.Options{})
	h2.store = h.store
	cfg := baseConfig()
	cfg.Iterations = 2
	resumed := h2.controller(t, cfg, WithRunID(c.RunID()))
	res, err = resumed.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History.Records, 2)
	require.Equal(t, history.StatusAborted, res.History.Records[0].Status)
	require.Equal(t, 3, res.History.Records[1].Column)
	require.Contains(t, h2.exec.inputs[0]["monitoring_wells"], `"A2"`)
}

func TestPollErrorsAreRetried(t *testing.T) {
	h := newHarness(t, sim.Options{})
	h.exec.pollErrs = 3
	cfg := baseConfig()
	cfg.Iterations = 1
	c := h.controller(t, cfg)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History.Records, 1)
}

func TestPollErrorsUntilDeadlineTimeOut(t *testing.T) {
	h := newHarness(t, sim.Options{})
	h.exec.pollErrs = 1000
	c := h.controller(t, baseConfig())

	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestColumnExhaustionEndsDone(t *testing.T) {
	h := newHarness(t, sim.Options{})
	cfg := baseConfig()
	cfg.Iterations = 5
	cfg.FirstColumn = 11
	cfg.MaxColumns = 12
	c := h.controller(t, cfg)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, res.Outcome)
	require.Len(t, res.History.Records, 2)
	require.Equal(t, 12, res.History.Records[1].Column)
}

func TestSeedWellExhaustionEndsDone(t *testing.T) {
	h := newHarness(t, sim.Options{})
	cfg := baseConfig()
	cfg.Iterations = 10
	c := h.controller(t, cfg)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, res.Outcome)
	require.Len(t, res.History.Records, 8)
	last := res.History.Records[7]
	require.Equal(t, "H1", last.SeedWell)
	require.Empty(t, last.NextSeedWell)
}

func TestTimeoutAndFailureEndAborted(t *testing.T) {
	cases := []struct {
		name  string
		opts  sim.Options
		cause State
	}{
		{"hang", sim.Options{Hang: true}, StateTimedOut},
		{"failed", sim.Options{Outcomes: map[int]workcell.Status{1: workcell.StatusFailed}}, StateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			h := newHarness(t, tc.opts)
			c := h.controller(t, baseConfig(), WithLogger(zap.New(core)))

			res, err := c.Run(context.Background())
			require.Error(t, err)
			require.Equal(t, StateAborted, res.Outcome)
			require.Equal(t, tc.cause, res.Cause)
			require.ErrorIs(t, res.Err, err)

			var path []string
			for _, e := range logs.FilterMessage("state transition").All() {
				path = append(path, e.ContextMap()["to"].(string))
			}
			require.GreaterOrEqual(t, len(path), 2)
			require.Equal(t, []string{string(tc.cause), string(StateAborted)}, path[len(path)-2:])
		})
	}
}

func TestContextCancelDuringWait(t *testing.T) {
	h := newHarness(t, sim.Options{Hang: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	polls := 0
	h.exec.onPoll = func() {
		polls++
		if polls == 3 {
			cancel()
		}
	}
	c := h.controller(t, baseConfig())

	res, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateAborted, res.Outcome)
	require.Empty(t, res.Cause)

	stored, err := h.store.Load(context.Background(), c.RunID())
	require.NoError(t, err)
	require.NotNil(t, stored.Abort)
	require.Contains(t, stored.Abort.Reason, "interrupted")
}

func TestMissingObservationPolicies(t *testing.T) {
	h := newHarness(t, sim.Options{DropWells: []string{"C2"}})
	cfg := baseConfig()
	cfg.Iterations = 1
	c := h.controller(t, cfg)
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	rec := res.History.Records[0]
	require.Equal(t, 0.0, rec.Growth["C2"])
	require.Contains(t, rec.Warnings[0], "C2")

	h = newHarness(t, sim.Options{DropWells: []string{"C2"}})
	cfg.MissingPolicy = gradient.MissingFail
	c = h.controller(t, cfg)
	res, err = c.Run(context.Background())
	require.ErrorIs(t, err, gradient.ErrMissingObservation)
	require.Equal(t, StateAborted, res.Outcome)
	require.Equal(t, StateFailed, res.Cause)
	stored, err := h.store.Load(context.Background(), c.RunID())
	require.NoError(t, err)
	require.NotNil(t, stored.Abort)
}

type countingMetrics struct {
	noopMetrics
	finished []string
	polls    int
}

func (m *countingMetrics) IterationFinished(outcome string, _ time.Duration) {
	m.finished = append(m.finished, outcome)
}

func (m *countingMetrics) Polled(string) { m.polls++ }

type archiveSpy struct{ iterations []int }

func (a *archiveSpy) ArchiveIteration(_ context.Context, _ string, _ design.ExperimentDesign, rec history.IterationRecord, _ history.RunHistory) error {
	a.iterations = append(a.iterations, rec.Iteration)
	return errors.New("bucket unavailable")
}

func TestMetricsAndArchiveHooks(t *testing.T) {
	h := newHarness(t, sim.Options{RunningPolls: 1})
	cfg := baseConfig()
	cfg.Iterations = 2
	m := &countingMetrics{}
	a := &archiveSpy{}
	c := h.controller(t, cfg, WithMetrics(m), WithArchive(a))

	_, err := c.Run(context.Background())
	require.NoError(t, err, "archive failures must not end the run")
	require.Equal(t, []string{"completed", "completed"}, m.finished)
	require.Equal(t, 6, m.polls)
	require.Equal(t, []int{1, 2}, a.iterations)
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t, sim.Options{})
	policy, err := tips.NewPolicy(tips.DefaultClasses(), nil)
	require.NoError(t, err)
	deps := Deps{Generator: h.gen, Policy: policy, Executor: h.exec, Observer: h.sim, Store: h.store}

	mutate := []func(*Config){
		func(c *Config) { c.PlateBarcode = "" },
		func(c *Config) { c.DefinitionID = "" },
		func(c *Config) { c.Iterations = 0 },
		func(c *Config) { c.Delta = 0 },
		func(c *Config) { c.LearningRate = -1 },
		func(c *Config) { c.Timeout = -time.Second },
		func(c *Config) { c.FirstColumn = 5; c.MaxColumns = 4 },
		func(c *Config) { c.MissingPolicy = "guess" },
	}
	for i, m := range mutate {
		cfg := baseConfig()
		m(&cfg)
		_, err := New(cfg, deps)
		require.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}
	_, err = New(baseConfig(), Deps{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(baseConfig(), deps)
	require.NoError(t, err)
	require.NotEmpty(t, c.RunID())
	require.Equal(t, StateInit, c.State())
}

func TestRunRejectsForeignPlate(t *testing.T) {
	h := newHarness(t, sim.Options{})
	require.NoError(t, h.store.Save(context.Background(), history.New("run-x", "OTHER", time.Now())))
	c := h.controller(t, baseConfig(), WithRunID("run-x"))
	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
}
