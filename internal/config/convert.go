package config

import (
	"fmt"

	"mediaopt/internal/blob"
	"mediaopt/internal/composition"
	"mediaopt/internal/controller"
	"mediaopt/internal/design"
	"mediaopt/internal/gradient"
	"mediaopt/internal/infra/persistence"
	"mediaopt/internal/tips"
	"mediaopt/internal/workcell/sim"
)

// Validate checks the settings every command depends on. Run-only settings
// such as the plate barcode are checked by ControllerConfig.
func (c Config) Validate() error {
	if _, err := c.Generator(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := gradient.ParseMissingPolicy(c.MissingPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch persistence.Driver(c.Storage.Driver) {
	case "", persistence.DriverMemory, persistence.DriverSQLite, persistence.DriverPostgres:
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}
	switch blob.Driver(c.Archive.Driver) {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("%w: archive.s3.bucket required for the s3 driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown archive driver %q", ErrInvalid, c.Archive.Driver)
	}
	if c.PollInterval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("%w: poll_interval and timeout must be positive", ErrInvalid)
	}
	return nil
}

// Solver builds the composition solver.
func (c Config) Solver() (*composition.Solver, error) {
	factors := make([]composition.Factor, len(c.Factors))
	for i, f := range c.Factors {
		factors[i] = composition.Factor{Name: f.Name, Min: f.Min, Max: f.Max}
	}
	return composition.NewSolver(composition.Limits{
		WellVolume: c.Well.Volume,
		MinFiller:  c.Well.MinFiller,
		Step:       c.Well.Step,
	}, factors)
}

// Layout maps factors to their source wells.
func (c Config) Layout() design.Layout {
	sources := make(map[string]string, len(c.Factors))
	for _, f := range c.Factors {
		sources[f.Name] = f.SourceWell
	}
	return design.Layout{
		Rows:        append([]string(nil), c.Well.Rows...),
		FillerWell:  c.Well.FillerWell,
		SourceWells: sources,
	}
}

// Generator builds the solver and the design generator on top of it.
func (c Config) Generator() (*design.Generator, error) {
	solver, err := c.Solver()
	if err != nil {
		return nil, err
	}
	return design.NewGenerator(solver, c.Layout())
}

// Policy builds the tip model.
func (c Config) Policy() (*tips.Policy, error) {
	return tips.NewPolicy(c.Tips.Classes, c.Tips.Reusable)
}

// Start returns the starting center proposal.
func (c Config) Start() map[string]float64 {
	out := make(map[string]float64, len(c.Factors))
	for _, f := range c.Factors {
		out[f.Name] = f.Start
	}
	return out
}

// ControllerConfig converts the run settings.
func (c Config) ControllerConfig() (controller.Config, error) {
	policy, err := gradient.ParseMissingPolicy(c.MissingPolicy)
	if err != nil {
		return controller.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg := controller.Config{
		PlateBarcode:  c.PlateBarcode,
		DefinitionID:  c.DefinitionID,
		ReagentType:   c.ReagentType,
		Iterations:    c.Iterations,
		Delta:         c.Delta,
		LearningRate:  c.LearningRate,
		PollInterval:  c.PollInterval,
		Timeout:       c.Timeout,
		FirstColumn:   c.FirstColumn,
		MaxColumns:    c.MaxColumns,
		Start:         c.Start(),
		MissingPolicy: policy,
		Seeding:       c.Seeding,
		MaxTransfers:  c.MaxTransfers,
	}
	if err := cfg.Validate(); err != nil {
		return controller.Config{}, err
	}
	return cfg, nil
}

// DesignLimits returns the validation limits for generated designs.
func (c Config) DesignLimits() design.Limits {
	return design.Limits{MaxTransfers: c.MaxTransfers}
}

// Persistence returns the history store options.
func (c Config) Persistence() persistence.Options {
	return persistence.Options{
		Driver:      persistence.Driver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// ArchiveOptions returns the artifact store options. ok is false when
// archiving is disabled.
func (c Config) ArchiveOptions() (opts blob.Options, ok bool) {
	if c.Archive.Driver == "" {
		return blob.Options{}, false
	}
	return blob.Options{
		Driver: blob.Driver(c.Archive.Driver),
		FSRoot: c.Archive.FSRoot,
		S3: blob.S3Config{
			Region:          c.Archive.S3.Region,
			Bucket:          c.Archive.S3.Bucket,
			Prefix:          c.Archive.S3.Prefix,
			Endpoint:        c.Archive.S3.Endpoint,
			AccessKeyID:     c.Archive.S3.AccessKeyID,
			SecretAccessKey: c.Archive.S3.SecretAccessKey,
			PathStyle:       c.Archive.S3.PathStyle,
		},
	}, true
}

// SimulatorOptions wires the simulated workcell to the configured source
// wells.
func (c Config) SimulatorOptions() sim.Options {
	sources := make(map[string]string, len(c.Factors))
	names := make([]string, len(c.Factors))
	for i, f := range c.Factors {
		sources[f.SourceWell] = f.Name
		names[i] = f.Name
	}
	surface := sim.DefaultSurface(names)
	surface.Noise = c.Simulator.Noise
	return sim.Options{
		SourceFactors: sources,
		Surface:       surface,
		Seed:          c.Simulator.Seed,
		RunningPolls:  c.Simulator.RunningPolls,
	}
}
