// Package dispatch feeds the execution engine from a NATS JetStream event
// stream. It pulls event descriptors in batches, matches them against a
// pipeline catalog, launches runs under a concurrency limiter, and
// publishes each finished run's report to the result subject.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	daednats "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/report"
	"github.com/wehubfusion/Daedalus/pkg/trigger"
)

const defaultBatchSize = 16

// eventMessage is the wire form of an incoming event. Manual-run requests
// name the pipeline directly and bypass trigger matching.
type eventMessage struct {
	Kind     pipeline.TriggerKind `json:"kind"`
	Ref      string               `json:"ref,omitempty"`
	Pipeline string               `json:"pipeline,omitempty"`
}

// Dispatcher pulls pipeline events from JetStream and turns them into runs.
type Dispatcher struct {
	config    *daednats.ConnectionConfig
	consumer  string
	batchSize int
	catalog   *pipeline.Catalog
	engine    *engine.Engine
	runConfig engine.Config
	limiter   *concurrency.Limiter
	logger    *zap.Logger
	tracer    trace.Tracer

	conn *nats.Conn
	js   nats.JetStreamContext
	wg   sync.WaitGroup

	tracingShutdown func(context.Context) error
}

// NewDispatcher creates a dispatcher over the given catalog and engine.
// maxConcurrentRuns bounds how many pipeline runs execute simultaneously;
// waiting events stay on the stream until a slot frees up. tracingConfig is
// optional; if provided, tracing is set up and torn down with the
// dispatcher.
func NewDispatcher(config *daednats.ConnectionConfig, consumer string, catalog *pipeline.Catalog, eng *engine.Engine, maxConcurrentRuns int, runConfig engine.Config, logger *zap.Logger, tracingConfig *tracing.Config) (*Dispatcher, error) {
	if config == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if catalog == nil {
		return nil, errors.New("catalog cannot be nil")
	}
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if maxConcurrentRuns <= 0 {
		return nil, errors.New("maxConcurrentRuns must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	d := &Dispatcher{
		config:    config,
		consumer:  consumer,
		batchSize: defaultBatchSize,
		catalog:   catalog,
		engine:    eng,
		runConfig: runConfig,
		limiter:   concurrency.NewLimiter(maxConcurrentRuns),
		logger:    logger,
		tracer:    otel.Tracer("daedalus/dispatch"),
	}

	if tracingConfig != nil {
		shutdown, err := tracing.Setup(context.Background(), *tracingConfig, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			d.tracingShutdown = shutdown
		}
	}

	return d, nil
}

// Run connects to NATS, ensures the event stream exists and processes
// events until the context is cancelled. It blocks until all in-flight
// runs have finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	conn, err := daednats.Connect(ctx, d.config, d.logger)
	if err != nil {
		return err
	}
	d.conn = conn
	defer func() {
		if err := daednats.Close(d.conn); err != nil {
			d.logger.Warn("error closing NATS connection", zap.Error(err))
		}
	}()

	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}
	d.js = js

	if err := d.ensureStream(); err != nil {
		return err
	}

	sub, err := js.PullSubscribe(d.config.EventSubject, d.consumer, nats.BindStream(d.config.EventStream))
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}

	d.logger.Info("dispatcher started",
		zap.String("stream", d.config.EventStream),
		zap.String("subject", d.config.EventSubject),
		zap.Int("max_concurrent_runs", d.limiter.Capacity()))

	backoffDelay := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher shutting down, waiting for in-flight runs")
			d.wg.Wait()
			return nil
		default:
		}

		msgs, err := sub.Fetch(d.batchSize, nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			d.logger.Error("error fetching events", zap.Error(err))
			time.Sleep(backoffDelay)
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}
		backoffDelay = 100 * time.Millisecond

		for _, msg := range msgs {
			d.handleMessage(ctx, msg)
		}
	}
}

// Close shuts the dispatcher down and cleans up tracing if it was set up
// here.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	if d.tracingShutdown != nil {
		return tracing.Shutdown(d.tracingShutdown, d.logger)
	}
	return nil
}

// Metrics returns the run limiter's counters
func (d *Dispatcher) Metrics() concurrency.Metrics {
	return d.limiter.Snapshot()
}

func (d *Dispatcher) ensureStream() error {
	_, err := d.js.StreamInfo(d.config.EventStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for %q: %w", d.config.EventStream, err)
	}

	d.logger.Info("creating event stream", zap.String("stream", d.config.EventStream))
	_, err = d.js.AddStream(&nats.StreamConfig{
		Name:     d.config.EventStream,
		Subjects: []string{d.config.EventSubject},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %q: %w", d.config.EventStream, err)
	}
	return nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *nats.Msg) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handleMessage",
		trace.WithAttributes(attribute.String("subject", msg.Subject)))
	defer span.End()

	var ev eventMessage
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed event")
		d.logger.Error("malformed event message, terminating it", zap.Error(err))
		if err := msg.Term(); err != nil {
			d.logger.Warn("failed to terminate event message", zap.Error(err))
		}
		return
	}

	span.SetAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.ref", ev.Ref),
	)

	var dispatched bool
	if ev.Kind == pipeline.TriggerManual && ev.Pipeline != "" {
		dispatched = d.dispatchManual(ctx, ev.Pipeline)
	} else {
		dispatched = d.dispatchEvent(ctx, trigger.Event{Kind: ev.Kind, Ref: ev.Ref})
	}

	if !dispatched {
		// Shutdown raced the launch; leave the event on the stream for
		// redelivery instead of consuming it with no run started.
		if err := msg.Nak(); err != nil {
			d.logger.Warn("failed to nak event message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		d.logger.Warn("failed to ack event message", zap.Error(err))
	}
}

// dispatchEvent offers the event to every pipeline in the catalog. Matching
// is the engine's concern; a nil report means no trigger matched and no
// action was taken. Returns false if any launch was skipped because the
// dispatcher is stopping.
func (d *Dispatcher) dispatchEvent(ctx context.Context, ev trigger.Event) bool {
	for i := range d.catalog.Pipelines {
		p := &d.catalog.Pipelines[i]
		if !d.launch(ctx, p.Name, func(runCtx context.Context) (*report.Report, error) {
			return d.engine.RunForEvent(runCtx, p, ev, d.runConfig)
		}) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) dispatchManual(ctx context.Context, name string) bool {
	p := d.catalog.Lookup(name)
	if p == nil {
		// Nothing to redeliver to; the event is consumed.
		d.logger.Warn("manual run requested for unknown pipeline", zap.String("pipeline", name))
		return true
	}
	return d.launch(ctx, p.Name, func(runCtx context.Context) (*report.Report, error) {
		return d.engine.RunManual(runCtx, p, d.runConfig)
	})
}

// launch starts the run once a limiter slot is acquired. Returns false if
// the slot could not be acquired, which only happens when the context ends
// during shutdown.
func (d *Dispatcher) launch(ctx context.Context, name string, run func(context.Context) (*report.Report, error)) bool {
	if err := d.limiter.Acquire(ctx); err != nil {
		d.logger.Info("not launching run, dispatcher stopping", zap.String("pipeline", name))
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.limiter.Release()

		rep, err := run(ctx)
		if err != nil {
			d.logger.Error("pipeline run rejected",
				zap.String("pipeline", name),
				zap.Error(err))
			return
		}
		if rep == nil {
			return
		}
		d.publishReport(rep)
	}()
	return true
}

func (d *Dispatcher) publishReport(rep *report.Report) {
	data, err := json.Marshal(rep)
	if err != nil {
		d.logger.Error("failed to marshal run report",
			zap.String("run_id", rep.RunID),
			zap.Error(err))
		return
	}

	if _, err := d.js.Publish(d.config.ResultSubject, data); err != nil {
		d.logger.Error("failed to publish run report",
			zap.String("run_id", rep.RunID),
			zap.Error(err))
		return
	}

	d.logger.Info("published run report",
		zap.String("run_id", rep.RunID),
		zap.String("pipeline", rep.Pipeline),
		zap.String("status", string(rep.Status)))
}
