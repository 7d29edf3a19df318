// Package sweep implements the remote sweep execution engine: host
// resolution, the per-host live response workflow, progress reporting and
// the supervising engine that drives them over a worker pool.
package sweep

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
)

// HostResolver turns a task into the set of hosts its run must process. A
// fresh task is seeded from the local host directory; a resumed task picks
// up its incomplete progress records. Resolution is idempotent: re-running
// it for the same task never duplicates records.
type HostResolver struct {
	tasks     sweep.TaskRepository
	progress  sweep.ProgressRepository
	directory sweep.HostDirectory

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHostResolver creates a HostResolver.
func NewHostResolver(
	tasks sweep.TaskRepository,
	progress sweep.ProgressRepository,
	directory sweep.HostDirectory,
	log *logger.Logger,
	tracer trace.Tracer,
) *HostResolver {
	return &HostResolver{
		tasks:     tasks,
		progress:  progress,
		directory: directory,
		logger:    log.With("component", "host_resolver"),
		tracer:    tracer,
	}
}

// Resolve returns the work items for a run of the task. deviceType filters
// the directory on fresh runs so commands only target the operating system
// family they were written for.
func (r *HostResolver) Resolve(ctx context.Context, taskID int64, deviceType string) ([]sweep.HostWorkItem, error) {
	ctx, span := r.tracer.Start(ctx, "host_resolver.resolve",
		trace.WithAttributes(
			attribute.Int64("task_id", taskID),
			attribute.String("device_type", deviceType),
		))
	defer span.End()

	records, err := r.progress.ListByTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list progress records")
		return nil, fmt.Errorf("failed to list progress records for task %d: %w", taskID, err)
	}

	if len(records) == 0 {
		items, err := r.seedFreshRun(ctx, taskID, deviceType)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to seed fresh run")
			return nil, err
		}
		span.SetAttributes(attribute.Int("host_count", len(items)), attribute.Bool("resumed", false))
		return items, nil
	}

	r.logger.Info(ctx, "resuming existing sweep", "task_id", taskID, "record_count", len(records))

	var items []sweep.HostWorkItem
	for _, rec := range records {
		if !rec.Complete() {
			items = append(items, rec.WorkItem())
		}
	}
	span.SetAttributes(attribute.Int("host_count", len(items)), attribute.Bool("resumed", true))
	return items, nil
}

func (r *HostResolver) seedFreshRun(ctx context.Context, taskID int64, deviceType string) ([]sweep.HostWorkItem, error) {
	hosts, err := r.directory.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list host directory: %w", err)
	}

	var records []sweep.HostProgress
	for _, host := range hosts {
		if host.DeviceType != deviceType {
			continue
		}
		records = append(records, sweep.NewHostProgress(taskID, host.Hostname, host.DeviceID))
	}

	if err := r.progress.Seed(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to seed progress records for task %d: %w", taskID, err)
	}
	if err := r.tasks.SetTotalHosts(ctx, taskID, len(records)); err != nil {
		return nil, fmt.Errorf("failed to set total hosts for task %d: %w", taskID, err)
	}

	r.logger.Info(ctx, "seeded fresh sweep", "task_id", taskID, "host_count", len(records))

	items := make([]sweep.HostWorkItem, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.WorkItem())
	}
	return items, nil
}
