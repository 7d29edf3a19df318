package inventory

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	domain "github.com/varlogsec/cbsweep/internal/domain/inventory"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	invmem "github.com/varlogsec/cbsweep/internal/infra/storage/inventory/memory"
	sweepmem "github.com/varlogsec/cbsweep/internal/infra/storage/sweep/memory"
	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

// fakeDirAPI implements DirectoryAPI with overridable function fields.
type fakeDirAPI struct {
	listDevices  func(ctx context.Context) ([]vendorapi.DeviceSummary, error)
	deviceByName func(ctx context.Context, hostname string) (*vendorapi.DeviceDetail, error)

	lookups atomic.Int64
}

func (f *fakeDirAPI) ListDevices(ctx context.Context) ([]vendorapi.DeviceSummary, error) {
	if f.listDevices == nil {
		return nil, nil
	}
	return f.listDevices(ctx)
}

func (f *fakeDirAPI) DeviceByName(ctx context.Context, hostname string) (*vendorapi.DeviceDetail, error) {
	f.lookups.Add(1)
	if f.deviceByName == nil {
		return nil, nil
	}
	return f.deviceByName(ctx, hostname)
}

type refresherFixture struct {
	tasks     *sweepmem.TaskStore
	alerts    *sweepmem.AlertStore
	sensors   *invmem.SensorStore
	api       *fakeDirAPI
	clock     *timeutil.Mock
	alertID   int64
	refresher *Refresher
}

func newRefresherFixture(t *testing.T, api *fakeDirAPI) *refresherFixture {
	t.Helper()
	ctx := context.Background()

	tasks := sweepmem.NewTaskStore()
	alerts := sweepmem.NewAlertStore()
	sensors := invmem.NewSensorStore()

	created := time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC)
	tasks.PutTask(sweep.ReconstructTask(43, 0, "Refresh Endpoint List", "ops",
		created, created.Add(24*time.Hour), 0, 0, true, 0))

	alertID, err := alerts.CreateAlert(ctx,
		sweep.NewAlert("ops", sweep.RefreshCompletedMessage(43), false, created))
	require.NoError(t, err)

	clock := timeutil.NewMock(time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC))
	cfg := RefresherConfig{
		TaskID:         43,
		AlertID:        alertID,
		Workers:        2,
		ErrorThreshold: 10,
		Retry: workqueue.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxAttempts:     3,
		},
		PopTimeout: 10 * time.Millisecond,
	}
	refresher := NewRefresher(cfg, api, sensors, tasks, alerts, nil,
		clock, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	return &refresherFixture{
		tasks:     tasks,
		alerts:    alerts,
		sensors:   sensors,
		api:       api,
		clock:     clock,
		alertID:   alertID,
		refresher: refresher,
	}
}

func summary(name string) vendorapi.DeviceSummary {
	return vendorapi.DeviceSummary{
		DeviceName:      name,
		PolicyName:      "standard",
		LastCheckInDate: "20250401",
		LastCheckInTime: "093000",
	}
}

func TestRefresher_InsertsNewHosts(t *testing.T) {
	t.Parallel()

	details := map[string]*vendorapi.DeviceDetail{
		"WS-0001": {Name: "WS-0001", DeviceID: 101, DeviceType: "WINDOWS", OSVersion: "Windows 10", LastInternalIPAddress: "10.0.0.1"},
		"WS-0002": {Name: "WS-0002", DeviceID: 102, DeviceType: "WINDOWS", OSVersion: "Windows 11", LastInternalIPAddress: "10.0.0.2"},
	}
	api := &fakeDirAPI{
		listDevices: func(context.Context) ([]vendorapi.DeviceSummary, error) {
			return []vendorapi.DeviceSummary{summary("WS-0001"), summary("WS-0002")}, nil
		},
		deviceByName: func(_ context.Context, hostname string) (*vendorapi.DeviceDetail, error) {
			return details[hostname], nil
		},
	}
	f := newRefresherFixture(t, api)
	ctx := context.Background()

	require.NoError(t, f.refresher.Run(ctx))

	sensors := f.sensors.Sensors()
	require.Len(t, sensors, 2)
	assert.Equal(t, "WS-0001", sensors[0].Hostname())
	assert.Equal(t, int64(101), sensors[0].DeviceID())
	assert.Equal(t, "standard", sensors[0].PolicyName())
	lastReported, ok := sensors[0].LastReportedAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, time.April, 1, 9, 30, 0, 0, time.UTC), lastReported)

	task, err := f.tasks.GetTask(ctx, 43)
	require.NoError(t, err)
	assert.False(t, task.Active())
	assert.Equal(t, 2, task.TotalHosts())
	assert.Equal(t, 2, task.CompletedHosts())
	assert.Equal(t, os.Getpid(), task.WorkerPID())

	alert, err := f.alerts.GetAlert(ctx, f.alertID)
	require.NoError(t, err)
	assert.True(t, alert.Active(), "the pre-created alert is activated on completion")
	assert.Equal(t, f.clock.Now(), alert.CreatedAt())
	assert.Equal(t, sweep.RefreshCompletedMessage(43), alert.Message())
}

func TestRefresher_UpdatesExistingHost(t *testing.T) {
	t.Parallel()

	api := &fakeDirAPI{
		listDevices: func(context.Context) ([]vendorapi.DeviceSummary, error) {
			return []vendorapi.DeviceSummary{summary("WS-0001")}, nil
		},
	}
	f := newRefresherFixture(t, api)
	ctx := context.Background()

	require.NoError(t, f.sensors.Insert(ctx,
		domain.NewSensor("WS-0001", 101, "WINDOWS", "Windows 10", "10.0.0.1", "standard")))

	require.NoError(t, f.refresher.Run(ctx))

	assert.Zero(t, f.api.lookups.Load(), "known hosts skip the detail lookup")

	sensors := f.sensors.Sensors()
	require.Len(t, sensors, 1)
	lastReported, ok := sensors[0].LastReportedAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, time.April, 1, 9, 30, 0, 0, time.UTC), lastReported)
}

func TestRefresher_DropsBlankDeviceNames(t *testing.T) {
	t.Parallel()

	api := &fakeDirAPI{
		listDevices: func(context.Context) ([]vendorapi.DeviceSummary, error) {
			return []vendorapi.DeviceSummary{{DeviceName: ""}}, nil
		},
	}
	f := newRefresherFixture(t, api)
	ctx := context.Background()

	require.NoError(t, f.refresher.Run(ctx))

	assert.Empty(t, f.sensors.Sensors())
	assert.Zero(t, f.api.lookups.Load())

	task, err := f.tasks.GetTask(ctx, 43)
	require.NoError(t, err)
	assert.False(t, task.Active())
	assert.Equal(t, 1, task.CompletedHosts(), "dropped rows still count as processed")
}

func TestRefresher_DropsVanishedDevices(t *testing.T) {
	t.Parallel()

	api := &fakeDirAPI{
		listDevices: func(context.Context) ([]vendorapi.DeviceSummary, error) {
			return []vendorapi.DeviceSummary{summary("WS-0001")}, nil
		},
		deviceByName: func(context.Context, string) (*vendorapi.DeviceDetail, error) {
			return nil, nil
		},
	}
	f := newRefresherFixture(t, api)

	require.NoError(t, f.refresher.Run(context.Background()))
	assert.Empty(t, f.sensors.Sensors())
}

func TestRefresher_EmptyDirectoryFinalizes(t *testing.T) {
	t.Parallel()

	f := newRefresherFixture(t, &fakeDirAPI{})
	ctx := context.Background()

	require.NoError(t, f.refresher.Run(ctx))

	task, err := f.tasks.GetTask(ctx, 43)
	require.NoError(t, err)
	assert.False(t, task.Active())
	assert.Zero(t, task.TotalHosts())

	alert, err := f.alerts.GetAlert(ctx, f.alertID)
	require.NoError(t, err)
	assert.True(t, alert.Active())
}

func TestRefresher_ListDevicesFailureLeavesTaskActive(t *testing.T) {
	t.Parallel()

	api := &fakeDirAPI{
		listDevices: func(context.Context) ([]vendorapi.DeviceSummary, error) {
			return nil, errors.New("vendor unavailable")
		},
	}
	f := newRefresherFixture(t, api)
	ctx := context.Background()

	err := f.refresher.Run(ctx)
	require.Error(t, err)

	task, getErr := f.tasks.GetTask(ctx, 43)
	require.NoError(t, getErr)
	assert.True(t, task.Active(), "a run that never started leaves the task for a fresh invocation")
}

func TestRefresher_ErrorBudgetExhaustion(t *testing.T) {
	t.Parallel()

	api := &fakeDirAPI{
		listDevices: func(context.Context) ([]vendorapi.DeviceSummary, error) {
			return []vendorapi.DeviceSummary{summary("WS-0001"), summary("WS-0002")}, nil
		},
		deviceByName: func(context.Context, string) (*vendorapi.DeviceDetail, error) {
			return nil, errors.New("vendor unavailable")
		},
	}
	f := newRefresherFixture(t, api)
	f.refresher.cfg.ErrorThreshold = 1
	ctx := context.Background()

	err := f.refresher.Run(ctx)
	require.ErrorIs(t, err, workqueue.ErrBudgetExhausted)

	task, getErr := f.tasks.GetTask(ctx, 43)
	require.NoError(t, getErr)
	assert.False(t, task.Active())

	preCreated, getErr := f.alerts.GetAlert(ctx, f.alertID)
	require.NoError(t, getErr)
	assert.False(t, preCreated.Active(), "the completion alert must stay dormant on failure")

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 2)
	failure := alerts[1]
	assert.Equal(t, sweep.ErroredOutMessage(43, "Refresh Endpoint List"), failure.Message())
	assert.True(t, failure.Active())
}
