// Package inventory implements the host directory refresh engine: it mirrors
// the vendor's device directory into local storage over the same worker pool
// primitives the sweep engine runs on.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	domain "github.com/varlogsec/cbsweep/internal/domain/inventory"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

// DirectoryAPI is the slice of the vendor client the refresher drives.
type DirectoryAPI interface {
	ListDevices(ctx context.Context) ([]vendorapi.DeviceSummary, error)
	DeviceByName(ctx context.Context, hostname string) (*vendorapi.DeviceDetail, error)
}

// RefresherConfig carries a refresh run's operating parameters.
type RefresherConfig struct {
	TaskID int64

	// AlertID is the pre-created completion alert the run re-stamps and
	// activates once the directory listing drains.
	AlertID int64

	Workers        int
	ErrorThreshold int
	Retry          workqueue.RetryPolicy
	PopTimeout     time.Duration
}

// Refresher supervises one directory refresh: it lists the vendor's devices,
// reconciles each against local storage and finalizes the run's pre-created
// alert. Invalid directory rows (blank device name) are dropped, not
// retried.
type Refresher struct {
	cfg RefresherConfig

	api     DirectoryAPI
	sensors domain.SensorRepository
	tasks   sweep.TaskRepository
	alerts  sweep.AlertRepository
	metrics workqueue.Metrics

	processed atomic.Int64
	dropped   atomic.Int64

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// NewRefresher creates a directory refresh engine. metrics may be nil.
func NewRefresher(
	cfg RefresherConfig,
	api DirectoryAPI,
	sensors domain.SensorRepository,
	tasks sweep.TaskRepository,
	alerts sweep.AlertRepository,
	metrics workqueue.Metrics,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Refresher {
	return &Refresher{
		cfg:     cfg,
		api:     api,
		sensors: sensors,
		tasks:   tasks,
		alerts:  alerts,
		metrics: metrics,
		clock:   clock,
		logger:  log.With("component", "inventory_refresher", "task_id", cfg.TaskID),
		tracer:  tracer,
	}
}

// Run executes the refresh. On a drained queue it re-stamps the pre-created
// alert and deactivates the task; on an exhausted error budget it posts a
// failure alert instead and returns workqueue.ErrBudgetExhausted.
func (r *Refresher) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "inventory_refresher.run",
		trace.WithAttributes(attribute.Int64("task_id", r.cfg.TaskID)))
	defer span.End()

	var (
		task    *sweep.Task
		devices []vendorapi.DeviceSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if task, err = r.tasks.GetTask(gctx, r.cfg.TaskID); err != nil {
			return fmt.Errorf("failed to load task %d: %w", r.cfg.TaskID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if devices, err = r.api.ListDevices(gctx); err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prepare refresh")
		return err
	}

	if err := r.tasks.SetWorkerPID(ctx, r.cfg.TaskID, os.Getpid()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record worker pid")
		return fmt.Errorf("failed to record worker pid for task %d: %w", r.cfg.TaskID, err)
	}
	if err := r.tasks.SetTotalHosts(ctx, r.cfg.TaskID, len(devices)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set total hosts")
		return fmt.Errorf("failed to set total hosts for task %d: %w", r.cfg.TaskID, err)
	}
	span.SetAttributes(attribute.Int("device_count", len(devices)))

	if len(devices) == 0 {
		r.logger.Warn(ctx, "vendor directory returned no devices")
		r.finalizeCompleted(ctx)
		return nil
	}

	governor := workqueue.NewGovernor(r.cfg.ErrorThreshold)
	pool := workqueue.NewPool(workqueue.Config{
		Workers:    r.cfg.Workers,
		Capacity:   len(devices),
		PopTimeout: r.cfg.PopTimeout,
		Retry:      r.cfg.Retry,
	}, governor, r.processDevice, r.logger, r.metrics)

	for _, device := range devices {
		if !pool.Submit(device) {
			span.SetStatus(codes.Error, "queue capacity exceeded")
			return fmt.Errorf("queue capacity exceeded seeding task %d", r.cfg.TaskID)
		}
	}

	r.logger.Info(ctx, "starting directory refresh",
		"device_count", len(devices), "workers", r.cfg.Workers)

	runErr := pool.Run(ctx)
	switch {
	case errors.Is(runErr, workqueue.ErrBudgetExhausted):
		r.logger.Error(ctx, "refresh stopped: worker error budget exhausted",
			"error_count", governor.Count())
		r.finalizeFailed(ctx, task)
		span.SetStatus(codes.Error, "error budget exhausted")
		return runErr

	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run canceled")
		return runErr
	}

	r.logger.Info(ctx, "directory refresh completed",
		"processed", r.processed.Load(), "dropped", r.dropped.Load())
	r.finalizeCompleted(ctx)
	return nil
}

// processDevice reconciles one directory row against local storage: known
// hosts get their check-in time refreshed, unknown hosts are looked up in
// full and inserted.
func (r *Refresher) processDevice(ctx context.Context, device vendorapi.DeviceSummary, attempt int) workqueue.Disposition {
	log := r.logger.With("hostname", device.DeviceName, "attempt", attempt)

	if device.DeviceName == "" {
		r.dropped.Add(1)
		log.Warn(ctx, "dropping directory row with no device name")
		return r.accountProcessed(ctx, log)
	}

	existing, err := r.sensors.FindByHostname(ctx, device.DeviceName)
	if err != nil {
		log.Error(ctx, "failed to look up sensor", "error", err)
		return workqueue.Retry
	}

	if existing != nil {
		if checkIn, ok := device.LastCheckIn(); ok {
			if err := r.sensors.SetLastReported(ctx, device.DeviceName, checkIn); err != nil {
				log.Error(ctx, "failed to update check-in time", "error", err)
				return workqueue.Retry
			}
		}
		return r.accountProcessed(ctx, log)
	}

	detail, err := r.api.DeviceByName(ctx, device.DeviceName)
	if err != nil {
		log.Error(ctx, "failed to fetch device detail", "error", err)
		return workqueue.Retry
	}
	if detail == nil {
		r.dropped.Add(1)
		log.Warn(ctx, "device vanished from vendor directory")
		return r.accountProcessed(ctx, log)
	}

	sensor := domain.NewSensor(detail.Name, detail.DeviceID, detail.DeviceType,
		detail.OSVersion, detail.LastInternalIPAddress, device.PolicyName)
	if checkIn, ok := device.LastCheckIn(); ok {
		sensor = sensor.WithLastReported(checkIn)
	}
	if !sensor.Valid() {
		r.dropped.Add(1)
		log.Warn(ctx, "dropping sensor record with no hostname")
		return r.accountProcessed(ctx, log)
	}

	// The detail lookup can resolve to a different hostname than the
	// directory row; check again before inserting to avoid duplicates.
	if detail.Name != device.DeviceName {
		already, err := r.sensors.FindByHostname(ctx, detail.Name)
		if err != nil {
			log.Error(ctx, "failed to re-check sensor", "error", err)
			return workqueue.Retry
		}
		if already != nil {
			return r.accountProcessed(ctx, log)
		}
	}

	if err := r.sensors.Insert(ctx, sensor); err != nil {
		log.Error(ctx, "failed to insert sensor", "error", err)
		return workqueue.Retry
	}
	log.Info(ctx, "added host to directory", "device_id", detail.DeviceID)
	return r.accountProcessed(ctx, log)
}

// accountProcessed bumps the task's completed host counter for a finished
// row. Counter write failures do not fail the row.
func (r *Refresher) accountProcessed(ctx context.Context, log *logger.Logger) workqueue.Disposition {
	n := r.processed.Add(1)
	if err := r.tasks.SetCompletedHosts(ctx, r.cfg.TaskID, int(n)); err != nil {
		log.Warn(ctx, "failed to update completed host count", "error", err)
	}
	return workqueue.Done
}

func (r *Refresher) finalizeCompleted(ctx context.Context) {
	if err := r.alerts.MarkCompleted(ctx, r.cfg.AlertID, r.clock.Now().UTC()); err != nil {
		r.logger.Error(ctx, "failed to finalize refresh alert", "error", err)
	}
	if err := r.tasks.SetActive(ctx, r.cfg.TaskID, false); err != nil {
		r.logger.Error(ctx, "failed to deactivate task", "error", err)
	}
}

func (r *Refresher) finalizeFailed(ctx context.Context, task *sweep.Task) {
	alert := sweep.NewAlert(task.Owner(),
		sweep.ErroredOutMessage(task.ID(), task.Name()), true, r.clock.Now().UTC())
	if _, err := r.alerts.CreateAlert(ctx, alert); err != nil {
		r.logger.Error(ctx, "failed to create failure alert", "error", err)
	}
	if err := r.tasks.SetActive(ctx, r.cfg.TaskID, false); err != nil {
		r.logger.Error(ctx, "failed to deactivate task", "error", err)
	}
}
