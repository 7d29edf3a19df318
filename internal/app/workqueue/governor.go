package workqueue

import (
	"sync"
	"sync/atomic"
)

// Governor is the shared error budget for one engine run. Workers record
// failures; once the count exceeds the threshold the governor trips exactly
// once and every worker observes it on its next loop iteration. Detection is
// decoupled from finalization: the engine supervisor, not a worker, reacts
// to the trip.
type Governor struct {
	threshold int64
	count     atomic.Int64

	once    sync.Once
	tripped chan struct{}
}

// NewGovernor creates a governor that trips once more than threshold
// failures have been recorded.
func NewGovernor(threshold int) *Governor {
	return &Governor{
		threshold: int64(threshold),
		tripped:   make(chan struct{}),
	}
}

// RecordError adds one failure to the budget, tripping the governor when the
// threshold is exceeded. It returns the running count.
func (g *Governor) RecordError() int64 {
	n := g.count.Add(1)
	if n > g.threshold {
		g.once.Do(func() { close(g.tripped) })
	}
	return n
}

// Count returns the number of failures recorded so far.
func (g *Governor) Count() int64 { return g.count.Load() }

// Tripped reports whether the budget has been exhausted.
func (g *Governor) Tripped() bool {
	select {
	case <-g.tripped:
		return true
	default:
		return false
	}
}

// TripC returns a channel closed when the governor trips.
func (g *Governor) TripC() <-chan struct{} { return g.tripped }
