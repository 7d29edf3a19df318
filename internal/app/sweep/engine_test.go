package sweep

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	"github.com/varlogsec/cbsweep/internal/domain/inventory"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	invmem "github.com/varlogsec/cbsweep/internal/infra/storage/inventory/memory"
	sweepmem "github.com/varlogsec/cbsweep/internal/infra/storage/sweep/memory"
	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

type engineFixture struct {
	tasks     *sweepmem.TaskStore
	commands  *sweepmem.CommandStore
	progress  *sweepmem.ProgressStore
	alerts    *sweepmem.AlertStore
	directory *invmem.SensorStore
	api       *fakeAPI
	metrics   *stubMetrics
	clock     *timeutil.Mock
	engine    *Engine
}

func newEngineFixture(t *testing.T, api *fakeAPI) *engineFixture {
	t.Helper()
	ctx := context.Background()

	tasks := sweepmem.NewTaskStore()
	commands := sweepmem.NewCommandStore()
	progress := sweepmem.NewProgressStore()
	alerts := sweepmem.NewAlertStore()
	directory := invmem.NewSensorStore()

	seedTask(t, tasks, 42)
	commands.PutCommand(sweep.NewCommandSpec(7, sweep.CommandTypeRunAndCollect, "whoami", `C:\out.txt`, "WINDOWS"))
	require.NoError(t, directory.Insert(ctx, inventory.NewSensor("WS-0001", 101, "WINDOWS", "Windows 10", "10.0.0.1", "standard")))
	require.NoError(t, directory.Insert(ctx, inventory.NewSensor("WS-0002", 102, "WINDOWS", "Windows 11", "10.0.0.2", "standard")))

	clock := timeutil.NewMock(time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC))
	if api.deviceLastReported == nil {
		api.deviceLastReported = func(context.Context, int64) (time.Time, bool, error) {
			return clock.Now().Add(-time.Hour), true, nil
		}
	}

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")
	metrics := new(stubMetrics)
	resolver := NewHostResolver(tasks, progress, directory, log, tracer)
	reporter := NewProgressReporter(tasks, progress, clock, tracer)

	cfg := EngineConfig{
		TaskID:         42,
		MaxSessions:    2,
		ErrorThreshold: 10,
		Retry: workqueue.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxAttempts:     3,
		},
		PopTimeout: 10 * time.Millisecond,
		Workflow: WorkflowConfig{
			MinCheckInHours: 24,
			WaitingPeriod:   50 * time.Millisecond,
			PollInterval:    time.Millisecond,
			OutputDir:       t.TempDir(),
		},
	}
	engine := NewEngine(cfg, tasks, commands, alerts, resolver, reporter,
		api, metrics, clock, log, tracer)

	return &engineFixture{
		tasks:     tasks,
		commands:  commands,
		progress:  progress,
		alerts:    alerts,
		directory: directory,
		api:       api,
		metrics:   metrics,
		clock:     clock,
		engine:    engine,
	}
}

// collectingAPI wires the fake for a clean run-and-collect pass on any host.
func collectingAPI() *fakeAPI {
	api := &fakeAPI{
		openSession: func(_ context.Context, deviceID int64) (vendorapi.Session, error) {
			return vendorapi.Session{ID: "sess-1", Status: vendorapi.SessionStatusActive}, nil
		},
		executeCommand: func(context.Context, string, string) (string, error) {
			return "cmd-exec", nil
		},
		requestFile: func(context.Context, string, string) (string, error) {
			return "cmd-get", nil
		},
		commandStatus: func(_ context.Context, _, commandID string) (vendorapi.CommandState, error) {
			if commandID == "cmd-get" {
				return vendorapi.CommandState{Status: vendorapi.CommandStatusComplete, FileID: "file-9"}, nil
			}
			return vendorapi.CommandState{Status: vendorapi.CommandStatusComplete}, nil
		},
		downloadFile: func(_ context.Context, _, _ string, w io.Writer) error {
			_, err := io.WriteString(w, "results")
			return err
		},
	}
	return api
}

func TestEngine_CompletesSweep(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, collectingAPI())
	ctx := context.Background()

	require.NoError(t, f.engine.Run(ctx))

	task, err := f.tasks.GetTask(ctx, 42)
	require.NoError(t, err)
	assert.False(t, task.Active())
	assert.Equal(t, 2, task.TotalHosts())
	assert.Equal(t, 2, task.CompletedHosts())
	assert.Equal(t, os.Getpid(), task.WorkerPID())

	records, err := f.progress.ListByTask(ctx, 42)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.True(t, rec.Complete())
		assert.Equal(t, sweep.StatusResultsCollected, rec.Status())
	}

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, sweep.CompletedSweepMessage(42, "weekly triage"), alerts[0].Message())
	assert.Equal(t, "ops", alerts[0].Owner())
	assert.False(t, alerts[0].Active())

	assert.Equal(t, int64(2), f.api.sessionsClosed.Load())
}

func TestEngine_NoHostsFinalizesWithoutRunning(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, collectingAPI())
	ctx := context.Background()

	// Point the task at a command no directory entry matches.
	f.commands.PutCommand(sweep.NewCommandSpec(7, sweep.CommandTypeRunAndCollect, "uname -a", "/tmp/out", "LINUX"))

	require.NoError(t, f.engine.Run(ctx))

	task, err := f.tasks.GetTask(ctx, 42)
	require.NoError(t, err)
	assert.False(t, task.Active())

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, sweep.NoHostsMessage(42, "weekly triage"), alerts[0].Message())
	assert.True(t, alerts[0].Active(), "the no-hosts alert needs operator attention")

	assert.Zero(t, f.api.sessionsClosed.Load(), "no sessions should be opened")
}

func TestEngine_ErrorBudgetExhaustion(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		openSession: func(context.Context, int64) (vendorapi.Session, error) {
			return vendorapi.Session{}, errors.New("no sensor connection")
		},
	}
	f := newEngineFixture(t, api)
	f.engine.cfg.ErrorThreshold = 1
	ctx := context.Background()

	err := f.engine.Run(ctx)
	require.ErrorIs(t, err, workqueue.ErrBudgetExhausted)

	task, getErr := f.tasks.GetTask(ctx, 42)
	require.NoError(t, getErr)
	assert.False(t, task.Active())
	assert.Zero(t, task.CompletedHosts())

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1, "finalization must post exactly one alert")
	assert.Equal(t, sweep.ErroredOutMessage(42, "weekly triage"), alerts[0].Message())
	assert.True(t, alerts[0].Active())
}

func TestEngine_MissingTaskFails(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, collectingAPI())
	f.engine.cfg.TaskID = 999

	err := f.engine.Run(context.Background())
	require.ErrorIs(t, err, sweep.ErrTaskNotFound)
	assert.Empty(t, f.alerts.Alerts(), "a task that never started posts no alert")
}

func TestEngine_CancellationLeavesTaskActive(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	api := collectingAPI()
	api.executeCommand = func(ctx context.Context, _, _ string) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	f := newEngineFixture(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}

	task, err := f.tasks.GetTask(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, task.Active(), "a canceled run leaves the task active for resumption")
	assert.Empty(t, f.alerts.Alerts())
}
