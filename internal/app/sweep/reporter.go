package sweep

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

// ProgressReporter persists per-host outcomes and keeps the task's completed
// host counter in step with the progress records. The counter is recomputed
// from storage rather than incremented so concurrent workers and killed runs
// cannot drift it.
type ProgressReporter struct {
	tasks    sweep.TaskRepository
	progress sweep.ProgressRepository
	clock    timeutil.Provider
	tracer   trace.Tracer
}

// NewProgressReporter creates a ProgressReporter.
func NewProgressReporter(
	tasks sweep.TaskRepository,
	progress sweep.ProgressRepository,
	clock timeutil.Provider,
	tracer trace.Tracer,
) *ProgressReporter {
	return &ProgressReporter{tasks: tasks, progress: progress, clock: clock, tracer: tracer}
}

// SetHostStatus records the latest status string for a host. It is written
// on every terminal outcome of an attempt, success or failure.
func (r *ProgressReporter) SetHostStatus(ctx context.Context, taskID, deviceID int64, status string) error {
	ctx, span := r.tracer.Start(ctx, "progress_reporter.set_host_status",
		trace.WithAttributes(
			attribute.Int64("task_id", taskID),
			attribute.Int64("device_id", deviceID),
			attribute.String("status", status),
		))
	defer span.End()

	if err := r.progress.SetStatus(ctx, taskID, deviceID, status); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set host status")
		return fmt.Errorf("failed to set status for device %d on task %d: %w", deviceID, taskID, err)
	}
	return nil
}

// SetHostComplete marks a host terminally complete at the current time.
// Already complete hosts are untouched, so a replayed success cannot move
// the completion timestamp.
func (r *ProgressReporter) SetHostComplete(ctx context.Context, taskID, deviceID int64) error {
	ctx, span := r.tracer.Start(ctx, "progress_reporter.set_host_complete",
		trace.WithAttributes(
			attribute.Int64("task_id", taskID),
			attribute.Int64("device_id", deviceID),
		))
	defer span.End()

	if err := r.progress.SetComplete(ctx, taskID, deviceID, r.clock.Now().UTC()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set host complete")
		return fmt.Errorf("failed to mark device %d complete on task %d: %w", deviceID, taskID, err)
	}
	return nil
}

// RecomputeCompletedCount counts completed hosts in storage and writes the
// count onto the task record.
func (r *ProgressReporter) RecomputeCompletedCount(ctx context.Context, taskID int64) error {
	ctx, span := r.tracer.Start(ctx, "progress_reporter.recompute_completed_count",
		trace.WithAttributes(attribute.Int64("task_id", taskID)))
	defer span.End()

	count, err := r.progress.CountComplete(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count completed hosts")
		return fmt.Errorf("failed to count completed hosts for task %d: %w", taskID, err)
	}
	if err := r.tasks.SetCompletedHosts(ctx, taskID, count); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update completed host count")
		return fmt.Errorf("failed to update completed host count for task %d: %w", taskID, err)
	}

	span.SetAttributes(attribute.Int("completed_count", count))
	return nil
}
