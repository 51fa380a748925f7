package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/matrix"
	"github.com/wehubfusion/Daedalus/pkg/report"
	"github.com/wehubfusion/Daedalus/pkg/resolve"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

const serviceStopTimeout = time.Minute

// runInstance drives one job instance through its lifecycle: start services
// in declared order, run steps in declared order, capture artifacts on
// success. The terminal status lands in the report; errors never escape to
// sibling instances except through the fail-fast policy applied by the
// caller.
func (e *Engine) runInstance(ctx context.Context, runID string, inst *matrix.Instance, slot *report.InstanceReport, rep *report.Report, cfg Config) {
	ctx, span := e.tracer.Start(ctx, "engine.instance",
		trace.WithAttributes(
			attribute.String("instance.identity", inst.Identity),
			attribute.String("run.id", runID),
		))
	defer span.End()

	logger := e.logger.With(
		zap.String("run_id", runID),
		zap.String("instance", inst.Identity))

	var handles []runtime.ServiceHandle
	defer func() {
		// Service shutdown is guaranteed on every exit path, including
		// cancellation, so cleanup runs on a context detached from the
		// run's cancellation signal.
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), serviceStopTimeout)
		defer stopCancel()
		for i := len(handles) - 1; i >= 0; i-- {
			if err := e.services.StopService(stopCtx, handles[i]); err != nil {
				logger.Warn("failed to stop service", zap.Error(err))
			}
		}
	}()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rep.FailInstance(slot, err)
		logger.Error("job instance failed", zap.Error(err))
	}
	cancelled := func() {
		span.SetStatus(codes.Error, "instance cancelled")
		rep.CancelInstance(slot)
		logger.Info("job instance cancelled")
	}

	rep.SetInstanceStatus(slot, report.StatusStartingServices)
	for _, svc := range inst.Job.Services {
		if ctx.Err() != nil {
			cancelled()
			return
		}

		env, err := resolve.ServiceEnv(svc, inst.Bindings)
		if err != nil {
			fail(err)
			return
		}

		handle, err := e.services.StartService(ctx, runtime.ServiceSpec{
			Name:          svc.Name,
			Image:         svc.Image,
			HostPort:      svc.HostPort,
			ContainerPort: svc.ContainerPort,
			Env:           env,
			RunID:         runID,
		})
		if handle != "" {
			// Track partially started services too; StopService is
			// idempotent and must run for them as well.
			handles = append(handles, handle)
		}
		if err != nil {
			if ctx.Err() != nil {
				cancelled()
				return
			}
			fail(sdkerrors.NewExecutionError(sdkerrors.PhaseService, svc.Name, err))
			return
		}
	}

	rep.SetInstanceStatus(slot, report.StatusRunningSteps)
	for _, step := range inst.Job.Steps {
		if ctx.Err() != nil {
			cancelled()
			return
		}

		resolved, err := resolve.Step(step, inst.Bindings)
		if err != nil {
			fail(err)
			return
		}

		args := make([]string, len(resolved.Args))
		for i, arg := range resolved.Args {
			args[i] = arg.Name + "=" + arg.Value
		}

		stepCtx, stepCancel := context.WithTimeout(ctx, cfg.StepTimeout)
		result, err := e.processes.RunProcess(stepCtx, runtime.ProcessSpec{
			Command:    resolved.Command,
			Args:       args,
			WorkingDir: cfg.WorkingDir,
			Image:      inst.Job.Image,
		})
		stepCancel()

		if err != nil {
			// The process never produced an exit status; recording the
			// zero-value result would report a step that exited 0.
			if ctx.Err() != nil {
				cancelled()
				return
			}
			fail(sdkerrors.NewExecutionError(sdkerrors.PhaseStep, resolved.Command, err))
			return
		}

		rep.AddStepResult(slot, report.StepResult{
			Command:  resolved.Command,
			ExitCode: result.ExitCode,
			Output:   result.Output,
		})

		if result.ExitCode != 0 {
			// A failed step stops the remaining steps of this instance.
			fail(sdkerrors.NewStepExitError(resolved.Command, result.ExitCode))
			return
		}
	}

	if ctx.Err() != nil {
		cancelled()
		return
	}

	// Artifacts are captured only for instances that reached success.
	rep.SetInstanceStatus(slot, report.StatusCollectingArtifacts)
	if len(inst.Job.Artifacts) > 0 {
		patterns := make([]string, len(inst.Job.Artifacts))
		for i, a := range inst.Job.Artifacts {
			patterns[i] = a.Path
		}

		if e.collector != nil {
			if _, err := e.collector.Collect(ctx, runID, inst.Identity, cfg.WorkingDir, patterns); err != nil {
				// Steps already succeeded; an upload problem does not
				// retroactively fail the instance.
				logger.Warn("artifact collection incomplete", zap.Error(err))
			}
		}
		rep.RecordArtifacts(slot, patterns)
	}

	rep.SetInstanceStatus(slot, report.StatusSucceeded)
	span.SetStatus(codes.Ok, "instance succeeded")
	logger.Info("job instance succeeded")
}
