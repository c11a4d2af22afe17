package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mediaopt/internal/blob"
	"mediaopt/internal/controller"
	"mediaopt/internal/infra/persistence"
	"mediaopt/internal/observability"
	"mediaopt/internal/platelock"
	"mediaopt/internal/workcell/sim"
)

const lockWait = 5 * time.Second

func newSimulateCmd(a *app) *cobra.Command {
	var (
		runID       string
		plate       string
		iterations  int
		metricsAddr string
		hold        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the optimization loop against the simulated workcell",
		Long: `Drives the controller end to end against an in-process workcell on a
virtual clock. History is persisted through the configured storage driver, so
--run-id resumes an earlier simulation. The first interrupt finishes the
current iteration and stops; a second one aborts immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if plate != "" {
				cfg.PlateBarcode = plate
			}
			if cfg.PlateBarcode == "" {
				cfg.PlateBarcode = "SIM-PLATE"
			}
			if cfg.DefinitionID == "" {
				cfg.DefinitionID = "sim-workflow"
			}
			if iterations > 0 {
				cfg.Iterations = iterations
			}
			ccfg, err := cfg.ControllerConfig()
			if err != nil {
				return err
			}
			gen, err := cfg.Generator()
			if err != nil {
				return err
			}
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			lockCtx, lockCancel := context.WithTimeout(ctx, lockWait)
			lock, err := platelock.Acquire(lockCtx, cfg.LockDir, cfg.PlateBarcode)
			lockCancel()
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			store, err := persistence.Open(ctx, cfg.Persistence())
			if err != nil {
				return fmt.Errorf("open history store: %w", err)
			}
			defer func() { _ = store.Close() }()

			workcell := sim.New(cfg.SimulatorOptions())
			opts := []controller.Option{
				controller.WithLogger(a.logger),
				controller.WithClock(sim.NewClock(time.Now().UTC())),
				controller.WithMetrics(observability.NewRecorder()),
				controller.WithRunID(runID),
			}
			if aopts, ok := cfg.ArchiveOptions(); ok {
				bs, err := blob.Open(ctx, aopts)
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				opts = append(opts, controller.WithArchive(blob.NewArchiver(bs, a.logger)))
			}
			ctrl, err := controller.New(ccfg, controller.Deps{
				Generator: gen,
				Policy:    policy,
				Executor:  workcell,
				Observer:  workcell,
				Store:     store,
			}, opts...)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				go func() {
					if err := observability.ServeMetrics(ctx, metricsAddr, a.logger); err != nil {
						a.logger.Error("metrics server", zap.Error(err))
					}
				}()
			}
			stopSignals := handleSignals(ctx, ctrl, cancel)
			defer stopSignals()

			res, runErr := ctrl.Run(ctx)
			out := cmd.OutOrStdout()
			outcome := string(res.Outcome)
			if res.Cause != "" {
				outcome += " (" + string(res.Cause) + ")"
			}
			fmt.Fprintf(out, "run %s: %s after %d iteration(s)\n", ctrl.RunID(), outcome, len(res.History.Records))
			if !res.Center.IsZero() {
				fmt.Fprintf(out, "center: %s\n", res.Center)
			}
			if hold > 0 && metricsAddr != "" {
				a.logger.Info("holding metrics endpoint", zap.Duration("hold", hold))
				select {
				case <-time.After(hold):
				case <-ctx.Done():
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "resume or name the run (default: new uuid)")
	cmd.Flags().StringVar(&plate, "plate", "", "plate barcode (default from config or SIM-PLATE)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "total iterations for the run (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&hold, "hold", 0, "keep the metrics endpoint up this long after the run")
	return cmd
}

// handleSignals maps the first interrupt to a cooperative stop and the
// second to cancellation. The returned func releases the handler.
func handleSignals(ctx context.Context, ctrl *controller.Controller, cancel context.CancelFunc) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		stopped := false
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ch:
				if stopped {
					cancel()
					return
				}
				stopped = true
				ctrl.Stop()
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
