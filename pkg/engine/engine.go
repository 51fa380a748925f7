// Package engine turns a validated pipeline definition into a concurrent,
// fault-tolerant run: it expands build matrices into job instances,
// sequences stages as barriers, runs the instances of a stage under a
// bounded worker pool, resolves matrix bindings, and propagates failure,
// cancellation and artifacts into the run report.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/matrix"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/report"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/trigger"
)

// Config controls one pipeline run.
type Config struct {
	// ConcurrencyLimit is the worker-pool size gating how many job
	// instances of a stage run simultaneously
	ConcurrencyLimit int

	// FailFast causes the first failed instance of a stage to cancel the
	// stage's not-yet-started instances and abort subsequent stages
	FailFast bool

	// MatrixCap bounds how many instances a single job may expand to
	MatrixCap int

	// StepTimeout is the maximum duration of a single step process
	StepTimeout time.Duration

	// WorkingDir is the directory step processes run in and artifact
	// patterns are globbed against
	WorkingDir string
}

// DefaultConfig returns the run configuration used when callers have no
// overrides: fail-fast on, the default matrix cap, and a stage worker pool
// sized by the concurrency package.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit: concurrency.LoadConfig().StageWorkers,
		FailFast:         true,
		MatrixCap:        matrix.DefaultCap,
		StepTimeout:      5 * time.Minute,
		WorkingDir:       ".",
	}
}

// normalized fills unusable zero values with defaults. FailFast is left as
// set: false is a meaningful choice.
func (c Config) normalized() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = concurrency.LoadConfig().StageWorkers
	}
	if c.MatrixCap <= 0 {
		c.MatrixCap = matrix.DefaultCap
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}
	return c
}

// Engine executes pipeline runs against external service and process
// runtimes. One engine may host many concurrent runs; all per-run mutable
// state is scoped to the run's report and context, so runs of different
// pipelines never share counters or bindings.
type Engine struct {
	services  runtime.ServiceRuntime
	processes runtime.ProcessRuntime
	collector *storage.Collector
	matcher   *trigger.Matcher
	validator *pipeline.Validator
	logger    *zap.Logger
	tracer    trace.Tracer

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// New creates an engine over the given runtimes. The collector is optional;
// when nil, produced artifacts are recorded in the report but not uploaded
// anywhere. Returns an error if a required collaborator is missing.
func New(services runtime.ServiceRuntime, processes runtime.ProcessRuntime, collector *storage.Collector, logger *zap.Logger) (*Engine, error) {
	if services == nil {
		return nil, errors.New("service runtime cannot be nil")
	}
	if processes == nil {
		return nil, errors.New("process runtime cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Engine{
		services:  services,
		processes: processes,
		collector: collector,
		matcher:   trigger.NewMatcher(logger),
		validator: pipeline.NewValidator(),
		logger:    logger,
		tracer:    otel.Tracer("daedalus/engine"),
		runs:      make(map[string]context.CancelFunc),
	}, nil
}

// RunForEvent runs the pipeline if one of its triggers matches the event.
// A non-matching event is not an error: the engine takes no action and
// returns a nil report. A pipeline with zero triggers never matches any
// event; it runs only through RunManual.
func (e *Engine) RunForEvent(ctx context.Context, p *pipeline.Pipeline, ev trigger.Event, cfg Config) (*report.Report, error) {
	if !e.matcher.Matches(p, ev) {
		e.logger.Debug("no trigger matched, taking no action",
			zap.String("pipeline", pipelineName(p)),
			zap.String("event_kind", string(ev.Kind)),
			zap.String("event_ref", ev.Ref))
		return nil, nil
	}
	return e.execute(ctx, p, cfg)
}

// RunManual runs the pipeline for an explicit manual-run request, bypassing
// trigger matching entirely.
func (e *Engine) RunManual(ctx context.Context, p *pipeline.Pipeline, cfg Config) (*report.Report, error) {
	return e.execute(ctx, p, cfg)
}

// Cancel requests cancellation of a live run. Running instances finish or
// abort their current step and proceed straight to service cleanup; pending
// instances and not-yet-started stages end Cancelled. Already completed
// work is unaffected. Returns false if the run ID is unknown or the run
// already finished.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.runs[runID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	e.logger.Info("cancelling run", zap.String("run_id", runID))
	cancel()
	return true
}

// ActiveRuns returns the IDs of runs currently executing
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) register(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[runID] = cancel
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

func newRunID() string {
	return uuid.NewString()
}

func pipelineName(p *pipeline.Pipeline) string {
	if p == nil {
		return ""
	}
	return p.Name
}
