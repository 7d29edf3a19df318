package sweep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewHostProgress(t *testing.T) {
	t.Parallel()

	p := NewHostProgress(42, "WS-0001", 9001)

	assert.Equal(t, int64(42), p.TaskID())
	assert.Equal(t, "WS-0001", p.Hostname())
	assert.Equal(t, int64(9001), p.DeviceID())
	assert.False(t, p.Complete())
	assert.Equal(t, StatusNotStarted, p.Status())
	assert.True(t, p.CompletedAt().IsZero())
}

func TestHostProgress_WorkItem(t *testing.T) {
	t.Parallel()

	completedAt := time.Date(2025, time.May, 2, 8, 30, 0, 0, time.UTC)
	p := ReconstructHostProgress(42, "WS-0002", 9002, true, StatusResultsCollected, completedAt)

	item := p.WorkItem()
	assert.Equal(t, HostWorkItem{Hostname: "WS-0002", DeviceID: 9002}, item)
	assert.True(t, p.Complete())
	assert.Equal(t, completedAt, p.CompletedAt())
}
