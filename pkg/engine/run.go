package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/matrix"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/report"
)

// stagePlan pairs a stage's expanded instances with their report slots.
type stagePlan struct {
	stage     *pipeline.Stage
	instances []*matrix.Instance
	report    *report.StageReport
}

// execute validates, expands and runs a pipeline. Structural problems are
// returned as ConfigError before any stage starts and leave no instances
// behind; from the first stage onwards, every created instance ends in a
// terminal state recorded in the report, never silently omitted.
func (e *Engine) execute(ctx context.Context, p *pipeline.Pipeline, cfg Config) (*report.Report, error) {
	cfg = cfg.normalized()

	// Re-validate even externally built trees rather than trusting the
	// producer.
	if err := e.validator.Validate(p); err != nil {
		return nil, err
	}

	runID := newRunID()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(runID, cancel)
	defer e.unregister(runID)

	runCtx, span := e.tracer.Start(runCtx, "engine.run",
		trace.WithAttributes(
			attribute.String("pipeline.name", p.Name),
			attribute.String("run.id", runID),
		))
	defer span.End()

	rep := report.New(runID, p.Name)

	// Expand every stage up front: an oversized matrix or an identity
	// collision anywhere must abort before any execution starts.
	plans := make([]stagePlan, 0, len(p.Stages))
	for i := range p.Stages {
		st := &p.Stages[i]
		instances, err := matrix.ExpandStage(st, cfg.MatrixCap)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		identities := make([]string, len(instances))
		bindings := make([]map[string]string, len(instances))
		for j, inst := range instances {
			identities[j] = inst.Identity
			bindings[j] = inst.Bindings
		}
		plans = append(plans, stagePlan{
			stage:     st,
			instances: instances,
			report:    rep.AddStage(st.Name, identities, bindings),
		})
	}

	e.logger.Info("starting pipeline run",
		zap.String("pipeline", p.Name),
		zap.String("run_id", runID),
		zap.Int("stages", len(plans)),
		zap.Bool("fail_fast", cfg.FailFast),
		zap.Int("concurrency_limit", cfg.ConcurrencyLimit))

	var failed, aborted bool
	for _, plan := range plans {
		if aborted || runCtx.Err() != nil {
			// The run is over; everything not yet started ends
			// Cancelled, explicitly, so the report reflects the true
			// state of every instance that was created.
			for _, inst := range plan.report.Instances {
				rep.CancelInstance(inst)
			}
			rep.SetStageStatus(plan.report, report.StatusCancelled)
			continue
		}

		stageFailed := e.runStage(runCtx, runID, plan, rep, cfg)

		switch {
		case runCtx.Err() != nil && !stageFailed:
			rep.SetStageStatus(plan.report, report.StatusCancelled)
			aborted = true
		case stageFailed:
			rep.SetStageStatus(plan.report, report.StatusFailed)
			failed = true
			if cfg.FailFast {
				aborted = true
			}
		default:
			rep.SetStageStatus(plan.report, report.StatusSucceeded)
		}
	}

	final := report.StatusSucceeded
	switch {
	case runCtx.Err() != nil && !failed:
		final = report.StatusCancelled
	case failed:
		final = report.StatusFailed
	}

	if final == report.StatusSucceeded && len(p.Artifacts) > 0 {
		patterns := make([]string, len(p.Artifacts))
		for i, a := range p.Artifacts {
			patterns[i] = a.Path
		}
		rep.AddPipelineArtifacts(patterns)
	}

	rep.Finish(final)

	if final == report.StatusSucceeded {
		span.SetStatus(codes.Ok, "run succeeded")
	} else {
		span.SetStatus(codes.Error, "run "+string(final))
	}
	e.logger.Info("pipeline run finished",
		zap.String("pipeline", p.Name),
		zap.String("run_id", runID),
		zap.String("status", string(final)))

	return rep, nil
}

// runStage executes all instances of one stage under a bounded worker pool
// and blocks until every instance has reached a terminal state; this is the
// barrier between stages. Instances are handed to workers over an
// unbuffered channel in expansion order, so slot acquisition is FIFO by
// instance creation order. Returns true if any instance failed.
func (e *Engine) runStage(ctx context.Context, runID string, plan stagePlan, rep *report.Report, cfg Config) bool {
	ctx, span := e.tracer.Start(ctx, "engine.stage",
		trace.WithAttributes(
			attribute.String("stage.name", plan.stage.Name),
			attribute.Int("stage.instances", len(plan.instances)),
		))
	defer span.End()

	workers := cfg.ConcurrencyLimit
	if workers > len(plan.instances) {
		workers = len(plan.instances)
	}

	type task struct {
		inst *matrix.Instance
		slot *report.InstanceReport
	}

	tasks := make(chan task)
	var wg sync.WaitGroup
	var anyFailed, failFastTripped atomic.Bool

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if ctx.Err() != nil || failFastTripped.Load() {
					rep.CancelInstance(t.slot)
					continue
				}

				e.runInstance(ctx, runID, t.inst, t.slot, rep, cfg)

				if rep.InstanceStatus(t.slot) == report.StatusFailed {
					anyFailed.Store(true)
					if cfg.FailFast {
						failFastTripped.Store(true)
					}
				}
			}
		}()
	}

	for i := range plan.instances {
		tasks <- task{inst: plan.instances[i], slot: plan.report.Instances[i]}
	}
	close(tasks)
	wg.Wait()

	if anyFailed.Load() {
		span.SetStatus(codes.Error, "stage failed")
	}
	return anyFailed.Load()
}
