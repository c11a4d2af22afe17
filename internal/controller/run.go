package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mediaopt/internal/composition"
	"mediaopt/internal/design"
	"mediaopt/internal/gradient"
	"mediaopt/internal/history"
	"mediaopt/internal/workcell"
)

// Result is the final state of a Run call.
type Result struct {
	Outcome State
	History history.RunHistory
	// Center is the latest solved center, the starting point of the next
	// iteration.
	Center composition.Composition
	// Cause is FAILED or TIMED_OUT when Outcome is ABORTED because the
	// workcell run failed or never finished. Empty otherwise.
	Cause State
	Err   error
}

// Run drives iterations until the target count is reached, the plate runs
// out of columns or seed wells, Stop is called, or an error ends the run.
// A persisted history for the run id is resumed. A failed or timed out
// iteration aborts the run; Result.Cause names which.
//
// Cancelling ctx interrupts the controller immediately but does not stop a
// workflow already submitted to the workcell.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer c.running.Store(false)
	c.setState(StateInit)

	h, err := c.loadHistory(ctx)
	if err != nil {
		return c.finish(StateAborted, history.RunHistory{}, composition.Composition{}, err)
	}
	solver := c.deps.Generator.Solver()
	center := solver.Solve(c.cfg.Start)
	if last, ok := h.LastCompleted(); ok {
		center = solver.Canonical(*last.Next)
		c.logger.Info("resuming run",
			zap.Int("completed_iteration", last.Iteration),
			zap.String("center", center.String()),
		)
	}

	rows := c.deps.Generator.Layout().Rows
	for {
		if c.stopped.Load() {
			c.logger.Info("stop requested")
			return c.finish(StateStopped, h, center, nil)
		}
		iteration := h.LastIteration() + 1
		if iteration > c.cfg.Iterations {
			return c.finish(StateDone, h, center, nil)
		}
		column := h.NextColumn(c.cfg.FirstColumn)
		if column > c.cfg.MaxColumns {
			c.logger.Info("plate full", zap.Int("max_columns", c.cfg.MaxColumns))
			return c.finish(StateDone, h, center, nil)
		}
		if c.cfg.Seeding && iteration > len(rows) {
			c.logger.Info("seed wells exhausted", zap.Int("rows", len(rows)))
			return c.finish(StateDone, h, center, nil)
		}
		next, state, err := c.iterate(ctx, &h, iteration, column, center, rows)
		if err != nil {
			if state == StateFailed || state == StateTimedOut {
				return c.abortAfter(state, h, center, err)
			}
			return c.finish(state, h, center, err)
		}
		center = next
	}
}

func (c *Controller) loadHistory(ctx context.Context) (history.RunHistory, error) {
	h, err := c.deps.Store.Load(ctx, c.runID)
	if errors.Is(err, history.ErrNotFound) {
		return history.New(c.runID, c.cfg.PlateBarcode, c.clock.Now()), nil
	}
	if err != nil {
		return history.RunHistory{}, fmt.Errorf("load history: %w", err)
	}
	if h.PlateBarcode != "" && h.PlateBarcode != c.cfg.PlateBarcode {
		return history.RunHistory{}, fmt.Errorf("%w: run %s belongs to plate %s", ErrInvalidConfig, c.runID, h.PlateBarcode)
	}
	settled, err := h.SettleAbort()
	if err != nil {
		return history.RunHistory{}, fmt.Errorf("settle abort: %w", err)
	}
	if settled {
		c.logger.Warn("previous iteration was aborted; its column stays consumed")
		if err := c.deps.Store.Save(ctx, h); err != nil {
			return history.RunHistory{}, fmt.Errorf("save history: %w", err)
		}
	}
	return h, nil
}

func (c *Controller) finish(state State, h history.RunHistory, center composition.Composition, err error) (Result, error) {
	c.setState(state)
	if err != nil {
		c.logger.Error("run ended", zap.String("outcome", string(state)), zap.Error(err))
	} else {
		c.logger.Info("run ended", zap.String("outcome", string(state)), zap.Int("records", len(h.Records)))
	}
	return Result{Outcome: state, History: h, Center: center, Err: err}, err
}

// abortAfter reports cause as the last state before the run aborts.
func (c *Controller) abortAfter(cause State, h history.RunHistory, center composition.Composition, err error) (Result, error) {
	c.setState(cause)
	res, err := c.finish(StateAborted, h, center, err)
	res.Cause = cause
	return res, err
}

// iterate runs one column. On error it returns the terminal state to report.
func (c *Controller) iterate(ctx context.Context, h *history.RunHistory, iteration, column int, center composition.Composition, rows []string) (composition.Composition, State, error) {
	started := c.clock.Now()
	log := c.logger.With(zap.Int("iteration", iteration), zap.Int("column", column))

	c.setState(StateDesigning)
	d, err := c.deps.Generator.Generate(center, column, c.cfg.Delta)
	if err != nil {
		return center, StateRejected, err
	}
	if err := design.Validate(d, design.Limits{MaxTransfers: c.cfg.MaxTransfers}); err != nil {
		log.Warn("design rejected", zap.Error(err))
		return center, StateRejected, err
	}
	seeding := c.seeding(iteration, rows)
	sub, err := design.NewSubmission(d, c.deps.Policy, design.SubmissionParams{
		PlateBarcode:    c.cfg.PlateBarcode,
		ReagentType:     c.cfg.ReagentType,
		MonitoringWells: appendUnique(h.MonitoringWells(), d.Wells()),
		Seeding:         seeding,
	})
	if err != nil {
		log.Warn("submission rejected", zap.Error(err))
		return center, StateRejected, err
	}
	inputs, err := sub.Inputs()
	if err != nil {
		return center, StateRejected, err
	}
	c.metrics.TipsPlanned(sub.Tips)
	log.Info("design ready",
		zap.String("center", d.Center.String()),
		zap.Int("transfers", len(d.Transfers)),
		zap.Stringer("tips", sub.Tips),
		zap.String("seed_well", seeding.SeedWell),
	)

	if err := ctx.Err(); err != nil {
		return center, StateAborted, err
	}
	c.setState(StateSubmitted)
	runID, err := c.deps.Executor.Submit(ctx, c.cfg.DefinitionID, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return center, StateAborted, ctx.Err()
		}
		return center, StateFailed, fmt.Errorf("submit iteration %d: %w", iteration, err)
	}
	log = log.With(zap.String("workflow_run_id", runID))
	log.Info("submitted")

	abort := func(reason string) error {
		h.Abort = &history.Abort{Iteration: iteration, Column: column, RunID: runID, Wells: d.Wells(), Reason: reason, At: c.clock.Now()}
		return c.deps.Store.Save(context.WithoutCancel(ctx), *h)
	}

	c.setState(StateWaiting)
	status, waited, err := c.wait(ctx, log, runID)
	if err != nil {
		if ctx.Err() != nil {
			if serr := abort("interrupted: " + ctx.Err().Error()); serr != nil {
				log.Error("persist abort marker", zap.Error(serr))
			}
			return center, StateAborted, ctx.Err()
		}
		// Only the deadline ends wait without a status.
		if serr := abort(fmt.Sprintf("timed out after %s", waited)); serr != nil {
			log.Error("persist abort marker", zap.Error(serr))
		}
		c.metrics.IterationFinished(string(StateTimedOut), c.clock.Now().Sub(started))
		return center, StateTimedOut, &TimeoutError{Iteration: iteration, RunID: runID, Waited: waited}
	}

	rec := history.IterationRecord{
		Iteration:    iteration,
		Column:       column,
		RunID:        runID,
		Status:       status,
		SeedWell:     seeding.SeedWell,
		NextSeedWell: seeding.NextSeedWell,
		Delta:        c.cfg.Delta,
		Center:       d.Center,
		Wells:        d.Wells(),
		Tips:         sub.Tips,
		Transfers:    d.Transfers,
		StartedAt:    started,
	}

	if !status.Succeeded() {
		rec.FinishedAt = c.clock.Now()
		rec.Warnings = []string{fmt.Sprintf("run ended %s; no observations", status)}
		c.setState(StateFailed)
		if err := c.record(ctx, log, h, d, rec); err != nil {
			return center, StateFailed, err
		}
		c.metrics.IterationFinished(string(StateFailed), rec.FinishedAt.Sub(started))
		return center, StateFailed, &ExecutionError{Iteration: iteration, RunID: runID, Status: status}
	}

	c.setState(StateObserving)
	obs, err := c.deps.Observer.FetchObservations(ctx, c.cfg.PlateBarcode, column)
	if err != nil {
		if ctx.Err() != nil {
			return center, StateAborted, ctx.Err()
		}
		if serr := abort("observations unavailable: " + err.Error()); serr != nil {
			log.Error("persist abort marker", zap.Error(serr))
		}
		return center, StateFailed, fmt.Errorf("fetch observations for column %d: %w", column, err)
	}
	resp, warnings, err := gradient.ParseResponses(d, obs, c.cfg.MissingPolicy)
	if err != nil {
		if serr := abort(err.Error()); serr != nil {
			log.Error("persist abort marker", zap.Error(serr))
		}
		return center, StateFailed, err
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	c.setState(StateUpdating)
	step := gradient.Update(c.deps.Generator.Solver(), d.Center, resp.Center, resp.Perturbed, c.cfg.LearningRate, c.cfg.Delta)
	for _, w := range step.Warnings {
		log.Warn(w)
	}
	next := step.Next
	rec.Growth = resp.ByWell
	rec.Gradient = step.Gradient
	rec.Adjustment = step.Adjustment
	rec.Next = &next
	rec.Warnings = append(warnings, step.Warnings...)
	rec.FinishedAt = c.clock.Now()
	if err := c.record(ctx, log, h, d, rec); err != nil {
		return center, StateFailed, err
	}
	c.metrics.CenterResponse(resp.Center)
	c.metrics.IterationFinished(string(status), rec.FinishedAt.Sub(started))
	log.Info("iteration complete",
		zap.Float64("control_growth", resp.Control),
		zap.Float64("center_growth", resp.Center),
		zap.String("next_center", next.String()),
	)
	return next, StateUpdating, nil
}

// record appends rec, persists the history and archives the artifacts.
// Archive failures are logged; the history store is the source of truth.
func (c *Controller) record(ctx context.Context, log *zap.Logger, h *history.RunHistory, d design.ExperimentDesign, rec history.IterationRecord) error {
	if err := h.Append(rec); err != nil {
		return fmt.Errorf("append iteration %d: %w", rec.Iteration, err)
	}
	if err := c.deps.Store.Save(context.WithoutCancel(ctx), *h); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	if c.archive != nil {
		if err := c.archive.ArchiveIteration(ctx, c.runID, d, rec, *h); err != nil {
			log.Warn("archive iteration", zap.Error(err))
		}
	}
	return nil
}

// wait polls until a terminal status or the deadline. The returned error is
// nil with a terminal status, ctx.Err() on cancellation, or ErrTimeout.
func (c *Controller) wait(ctx context.Context, log *zap.Logger, runID string) (workcell.Status, time.Duration, error) {
	start := c.clock.Now()
	deadline := start.Add(c.cfg.Timeout)
	for {
		status, err := c.deps.Executor.PollStatus(ctx, runID)
		elapsed := c.clock.Now().Sub(start)
		switch {
		case err != nil && ctx.Err() != nil:
			return "", elapsed, ctx.Err()
		case err != nil:
			log.Warn("poll status", zap.Error(err), zap.Float64("elapsed_minutes", elapsed.Minutes()))
		default:
			status = workcell.ParseStatus(string(status))
			c.metrics.Polled(string(status))
			log.Info("workflow status", zap.String("status", string(status)), zap.Float64("elapsed_minutes", elapsed.Minutes()))
			if status.Terminal() {
				return status, elapsed, nil
			}
		}
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return "", elapsed, ErrTimeout
		}
		sleep := c.cfg.PollInterval
		if remaining < sleep {
			sleep = remaining
		}
		if err := c.clock.Sleep(ctx, sleep); err != nil {
			return "", c.clock.Now().Sub(start), err
		}
	}
}

// seeding returns the seed wells for iteration: row i-1 of column 1, and the
// next row unless this is the final iteration.
func (c *Controller) seeding(iteration int, rows []string) design.Seeding {
	if !c.cfg.Seeding {
		return design.Seeding{}
	}
	s := design.Seeding{Enabled: true, SeedWell: design.Well(rows[iteration-1], 1)}
	if iteration < c.cfg.Iterations && iteration < len(rows) {
		s.NextSeedWell = design.Well(rows[iteration], 1)
	}
	return s
}

func appendUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, w := range list {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}
