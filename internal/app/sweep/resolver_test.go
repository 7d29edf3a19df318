package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/varlogsec/cbsweep/internal/domain/inventory"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	invmem "github.com/varlogsec/cbsweep/internal/infra/storage/inventory/memory"
	sweepmem "github.com/varlogsec/cbsweep/internal/infra/storage/sweep/memory"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
)

func seedTask(t *testing.T, tasks *sweepmem.TaskStore, id int64) {
	t.Helper()
	now := time.Now().UTC()
	tasks.PutTask(sweep.ReconstructTask(id, 7, "weekly triage", "ops", now, now.Add(24*time.Hour), 0, 0, true, 0))
}

func seedDirectory(t *testing.T, directory *invmem.SensorStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, directory.Insert(ctx, inventory.NewSensor("WS-0001", 101, "WINDOWS", "Windows 10", "10.0.0.1", "standard")))
	require.NoError(t, directory.Insert(ctx, inventory.NewSensor("WS-0002", 102, "WINDOWS", "Windows 11", "10.0.0.2", "standard")))
	require.NoError(t, directory.Insert(ctx, inventory.NewSensor("MAC-0001", 201, "MAC", "macOS 14", "10.0.0.3", "standard")))
}

func TestHostResolver_SeedsFreshRun(t *testing.T) {
	t.Parallel()

	tasks := sweepmem.NewTaskStore()
	progress := sweepmem.NewProgressStore()
	directory := invmem.NewSensorStore()
	seedTask(t, tasks, 42)
	seedDirectory(t, directory)

	resolver := NewHostResolver(tasks, progress, directory,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	items, err := resolver.Resolve(context.Background(), 42, "WINDOWS")
	require.NoError(t, err)

	assert.Equal(t, []sweep.HostWorkItem{
		{Hostname: "WS-0001", DeviceID: 101},
		{Hostname: "WS-0002", DeviceID: 102},
	}, items, "directory entries outside the device type must be filtered out")

	task, err := tasks.GetTask(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 2, task.TotalHosts())

	records, err := progress.ListByTask(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, sweep.StatusNotStarted, rec.Status())
		assert.False(t, rec.Complete())
	}
}

func TestHostResolver_ResumeSkipsCompletedHosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tasks := sweepmem.NewTaskStore()
	progress := sweepmem.NewProgressStore()
	directory := invmem.NewSensorStore()
	seedTask(t, tasks, 42)
	seedDirectory(t, directory)

	resolver := NewHostResolver(tasks, progress, directory,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	_, err := resolver.Resolve(ctx, 42, "WINDOWS")
	require.NoError(t, err)
	require.NoError(t, progress.SetComplete(ctx, 42, 101, time.Now().UTC()))

	items, err := resolver.Resolve(ctx, 42, "WINDOWS")
	require.NoError(t, err)
	assert.Equal(t, []sweep.HostWorkItem{{Hostname: "WS-0002", DeviceID: 102}}, items)
}

func TestHostResolver_ResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tasks := sweepmem.NewTaskStore()
	progress := sweepmem.NewProgressStore()
	directory := invmem.NewSensorStore()
	seedTask(t, tasks, 42)
	seedDirectory(t, directory)

	resolver := NewHostResolver(tasks, progress, directory,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	first, err := resolver.Resolve(ctx, 42, "WINDOWS")
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, 42, "WINDOWS")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	records, err := progress.ListByTask(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, records, 2, "re-resolving must not duplicate progress records")
}

func TestHostResolver_NoMatchingHosts(t *testing.T) {
	t.Parallel()

	tasks := sweepmem.NewTaskStore()
	progress := sweepmem.NewProgressStore()
	directory := invmem.NewSensorStore()
	seedTask(t, tasks, 42)

	resolver := NewHostResolver(tasks, progress, directory,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	items, err := resolver.Resolve(context.Background(), 42, "WINDOWS")
	require.NoError(t, err)
	assert.Empty(t, items)

	task, err := tasks.GetTask(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, task.TotalHosts())
}
