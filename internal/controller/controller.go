// Package controller runs the closed optimization loop: design a column,
// submit it to the workcell, wait for the run, read growth, step the center
// along the estimated gradient, persist, repeat.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediaopt/internal/design"
	"mediaopt/internal/gradient"
	"mediaopt/internal/history"
	"mediaopt/internal/tips"
	"mediaopt/internal/workcell"
)

// State is a step of the iteration state machine.
type State string

const (
	StateInit      State = "INIT"
	StateDesigning State = "DESIGNING"
	StateSubmitted State = "SUBMITTED"
	StateWaiting   State = "WAITING"
	StateObserving State = "OBSERVING"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
	StateUpdating  State = "UPDATING"
	StateDone      State = "DONE"
	StateAborted   State = "ABORTED"
	StateStopped   State = "STOPPED"
	StateRejected  State = "REJECTED"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultTimeout      = 180 * time.Minute
	DefaultFirstColumn  = 2
	DefaultMaxColumns   = 12
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("controller: invalid configuration")

// Config holds the run parameters.
type Config struct {
	PlateBarcode string
	DefinitionID string
	ReagentType  string
	// Iterations is the total number of iterations for the run, counting
	// those recorded before a resume.
	Iterations   int
	Delta        int
	LearningRate float64
	PollInterval time.Duration
	// Timeout bounds the wait for one run, measured from the first poll.
	Timeout     time.Duration
	FirstColumn int
	MaxColumns  int
	// Start is the initial center proposal; it is solved before use.
	Start         map[string]float64
	MissingPolicy gradient.MissingPolicy
	// Seeding advances the seed well down column 1 one row per iteration.
	Seeding      bool
	MaxTransfers int
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.FirstColumn == 0 {
		c.FirstColumn = DefaultFirstColumn
	}
	if c.MaxColumns == 0 {
		c.MaxColumns = DefaultMaxColumns
	}
	if c.MaxTransfers == 0 {
		c.MaxTransfers = design.DefaultMaxTransfers
	}
	if c.MissingPolicy == "" {
		c.MissingPolicy = gradient.MissingAsZero
	}
	return c
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.PlateBarcode == "":
		return fmt.Errorf("%w: plate barcode required", ErrInvalidConfig)
	case c.DefinitionID == "":
		return fmt.Errorf("%w: workflow definition id required", ErrInvalidConfig)
	case c.Iterations < 1:
		return fmt.Errorf("%w: iterations must be >= 1, got %d", ErrInvalidConfig, c.Iterations)
	case c.Delta < 1:
		return fmt.Errorf("%w: delta must be >= 1, got %d", ErrInvalidConfig, c.Delta)
	case math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0) || c.LearningRate < 0:
		return fmt.Errorf("%w: learning rate must be finite and non-negative", ErrInvalidConfig)
	case c.PollInterval <= 0 || c.Timeout <= 0:
		return fmt.Errorf("%w: poll interval and timeout must be positive", ErrInvalidConfig)
	case c.FirstColumn < 1 || c.MaxColumns < c.FirstColumn:
		return fmt.Errorf("%w: column range [%d, %d] invalid", ErrInvalidConfig, c.FirstColumn, c.MaxColumns)
	case c.MaxTransfers < 1:
		return fmt.Errorf("%w: max transfers must be >= 1", ErrInvalidConfig)
	}
	if c.MissingPolicy != gradient.MissingAsZero && c.MissingPolicy != gradient.MissingFail {
		return fmt.Errorf("%w: unknown missing-observation policy %q", ErrInvalidConfig, c.MissingPolicy)
	}
	return nil
}

// Deps are the collaborators a controller drives.
type Deps struct {
	Generator *design.Generator
	Policy    *tips.Policy
	Executor  workcell.Executor
	Observer  workcell.Observer
	Store     history.Store
}

// Metrics receives controller events. observability.Recorder implements it.
type Metrics interface {
	IterationFinished(outcome string, d time.Duration)
	Polled(status string)
	TipsPlanned(counts map[string]int)
	CenterResponse(v float64)
}

// Archive stores per-iteration artifacts. blob.Archiver implements it.
type Archive interface {
	ArchiveIteration(ctx context.Context, runID string, d design.ExperimentDesign, rec history.IterationRecord, h history.RunHistory) error
}

// Clock abstracts wall time so tests can run multi-hour waits instantly.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type noopMetrics struct{}

func (noopMetrics) IterationFinished(string, time.Duration) {}
func (noopMetrics) Polled(string)                           {}
func (noopMetrics) TipsPlanned(map[string]int)              {}
func (noopMetrics) CenterResponse(float64)                  {}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger; nil is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithArchive enables artifact archiving after every recorded iteration.
func WithArchive(a Archive) Option {
	return func(c *Controller) { c.archive = a }
}

// WithRunID resumes (or starts) the run with the given id instead of a
// fresh uuid.
func WithRunID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.runID = id
		}
	}
}

// Controller owns one optimization run. Run is not reentrant; Stop and
// State may be called from other goroutines.
type Controller struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	clock   Clock
	metrics Metrics
	archive Archive
	runID   string

	running atomic.Bool
	stopped atomic.Bool
	mu      sync.Mutex
	state   State
}

// New validates cfg and deps.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: generator required", ErrInvalidConfig)
	case deps.Policy == nil:
		return nil, fmt.Errorf("%w: tip policy required", ErrInvalidConfig)
	case deps.Executor == nil || deps.Observer == nil:
		return nil, fmt.Errorf("%w: executor and observer required", ErrInvalidConfig)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: history store required", ErrInvalidConfig)
	}
	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		logger:  zap.NewNop(),
		clock:   realClock{},
		metrics: noopMetrics{},
		state:   StateInit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	c.logger = c.logger.With(zap.String("run_id", c.runID))
	return c, nil
}

// RunID identifies the run in the history store.
func (c *Controller) RunID() string { return c.runID }

// Stop asks the loop to finish after the current iteration.
func (c *Controller) Stop() { c.stopped.Store(true) }

// State returns the current state machine step.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("state transition", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}
