package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

// EngineConfig carries a sweep run's operating parameters.
type EngineConfig struct {
	TaskID int64

	// MaxSessions is the number of concurrent workers, matching the
	// vendor's concurrent live response session allowance.
	MaxSessions int

	// ErrorThreshold is the shared error budget; once failed attempts
	// exceed it the run stops.
	ErrorThreshold int

	Retry workqueue.RetryPolicy

	// PopTimeout bounds worker queue pops; zero uses the pool default.
	PopTimeout time.Duration

	Workflow WorkflowConfig

	// InputFile and Command are the launcher's optional arguments,
	// consumed by the upload-and-run and collect-only command types.
	InputFile string
	Command   string
}

// Engine supervises one sweep run end to end: it loads the task and its
// command spec, resolves the host set, drives the worker pool and owns the
// run's exactly-once finalization (alert plus task deactivation), on both
// the drained and the errored-out path.
type Engine struct {
	cfg EngineConfig

	tasks    sweep.TaskRepository
	commands sweep.CommandRepository
	alerts   sweep.AlertRepository
	resolver *HostResolver
	reporter *ProgressReporter
	api      VendorAPI
	metrics  Metrics

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// NewEngine creates a sweep engine.
func NewEngine(
	cfg EngineConfig,
	tasks sweep.TaskRepository,
	commands sweep.CommandRepository,
	alerts sweep.AlertRepository,
	resolver *HostResolver,
	reporter *ProgressReporter,
	api VendorAPI,
	metrics Metrics,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Engine {
	return &Engine{
		cfg:      cfg,
		tasks:    tasks,
		commands: commands,
		alerts:   alerts,
		resolver: resolver,
		reporter: reporter,
		api:      api,
		metrics:  metrics,
		clock:    clock,
		logger:   log.With("component", "sweep_engine", "task_id", cfg.TaskID),
		tracer:   tracer,
	}
}

// Run executes the sweep. It returns workqueue.ErrBudgetExhausted when the
// run stopped on the error budget; in that case finalization has already
// happened. A context cancellation leaves the task active so a fresh
// invocation resumes it.
func (e *Engine) Run(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "sweep_engine.run",
		trace.WithAttributes(attribute.Int64("task_id", e.cfg.TaskID)))
	defer span.End()

	task, err := e.tasks.GetTask(ctx, e.cfg.TaskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task")
		return fmt.Errorf("failed to load task %d: %w", e.cfg.TaskID, err)
	}

	spec, err := e.commands.GetCommand(ctx, task.CommandID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load command spec")
		return fmt.Errorf("failed to load command %d for task %d: %w", task.CommandID(), e.cfg.TaskID, err)
	}

	plan, err := BuildCommandPlan(spec, e.cfg.InputFile, e.cfg.Command)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build command plan")
		return fmt.Errorf("failed to build command plan for task %d: %w", e.cfg.TaskID, err)
	}

	if err := e.tasks.SetWorkerPID(ctx, e.cfg.TaskID, os.Getpid()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record worker pid")
		return fmt.Errorf("failed to record worker pid for task %d: %w", e.cfg.TaskID, err)
	}

	items, err := e.resolver.Resolve(ctx, e.cfg.TaskID, spec.DeviceType())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve hosts")
		return fmt.Errorf("failed to resolve hosts for task %d: %w", e.cfg.TaskID, err)
	}

	if len(items) == 0 {
		e.logger.Warn(ctx, "no hosts available to sweep")
		e.finalize(ctx, task, sweep.NoHostsMessage(task.ID(), task.Name()), true)
		span.SetAttributes(attribute.Int("host_count", 0))
		return nil
	}

	workflow := NewSessionWorkflow(
		e.api, e.reporter, e.metrics, e.cfg.Workflow,
		task.ID(), task.Name(), plan, e.clock, e.logger, e.tracer)

	governor := workqueue.NewGovernor(e.cfg.ErrorThreshold)
	pool := workqueue.NewPool(workqueue.Config{
		Workers:    e.cfg.MaxSessions,
		Capacity:   len(items),
		PopTimeout: e.cfg.PopTimeout,
		Retry:      e.cfg.Retry,
	}, governor, workflow.Execute, e.logger, e.metrics)

	for _, item := range items {
		if !pool.Submit(item) {
			span.SetStatus(codes.Error, "queue capacity exceeded")
			return fmt.Errorf("queue capacity exceeded seeding task %d", e.cfg.TaskID)
		}
	}

	e.logger.Info(ctx, "starting sweep", "host_count", len(items),
		"workers", e.cfg.MaxSessions, "command_type", plan.Type.String())
	span.SetAttributes(attribute.Int("host_count", len(items)))

	runErr := pool.Run(ctx)
	switch {
	case errors.Is(runErr, workqueue.ErrBudgetExhausted):
		e.logger.Error(ctx, "sweep stopped: worker error budget exhausted",
			"error_count", governor.Count())
		e.finalize(ctx, task, sweep.ErroredOutMessage(task.ID(), task.Name()), true)
		span.SetStatus(codes.Error, "error budget exhausted")
		return runErr

	case runErr != nil:
		// Canceled mid-run; leave the task active for resumption.
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run canceled")
		return runErr
	}

	e.logger.Info(ctx, "sweep completed")
	e.finalize(ctx, task, sweep.CompletedSweepMessage(task.ID(), task.Name()), false)
	return nil
}

// finalize posts the run's terminal alert and deactivates the task. It runs
// exactly once per outcome, on the supervisor goroutine.
func (e *Engine) finalize(ctx context.Context, task *sweep.Task, message string, alertActive bool) {
	alert := sweep.NewAlert(task.Owner(), message, alertActive, e.clock.Now().UTC())
	if _, err := e.alerts.CreateAlert(ctx, alert); err != nil {
		e.logger.Error(ctx, "failed to create alert", "error", err)
	}
	if err := e.tasks.SetActive(ctx, e.cfg.TaskID, false); err != nil {
		e.logger.Error(ctx, "failed to deactivate task", "error", err)
	}
}
