package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/varlogsec/cbsweep/pkg/common/logger"
)

// ErrBudgetExhausted is returned by Pool.Run when the governor tripped
// before the queue drained.
var ErrBudgetExhausted = errors.New("worker error budget exhausted")

// Disposition tells the pool what to do with a processed item.
type Disposition int

const (
	// Done releases the item; it will not be seen again.
	Done Disposition = iota

	// Retry requeues the item with backoff and charges the error budget.
	Retry

	// Defer requeues the item with backoff without charging the budget,
	// for items that are not eligible yet rather than failing.
	Defer
)

// ProcessFunc handles one item. attempt starts at 1 and counts this
// delivery. Implementations must not panic; a panic is treated as Retry.
type ProcessFunc[T any] func(ctx context.Context, item T, attempt int) Disposition

// RetryPolicy bounds per-item retries. Delay grows exponentially from
// InitialInterval by Multiplier up to MaxInterval. MaxAttempts of zero means
// unbounded.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// Delay returns the backoff before the given (1-based) attempt is redelivered.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Metrics is the optional instrumentation surface for a pool.
type Metrics interface {
	SetActiveWorkers(ctx context.Context, count int)
	IncItemRetries(ctx context.Context)
	IncItemsExhausted(ctx context.Context)
}

// Config carries the pool's operating parameters.
type Config struct {
	// Workers is the number of concurrent workers; for sweeps this is the
	// task's max_sessions setting.
	Workers int

	// Capacity bounds the queue; it must cover the seeded item count.
	Capacity int

	// PopTimeout bounds each blocking pop so workers periodically observe
	// governor trips and queue drain.
	PopTimeout time.Duration

	Retry RetryPolicy
}

// Pool drives a fixed set of workers over an ack-tracked queue, applying a
// shared retry policy and error budget. Both the sweep and inventory refresh
// engines run on this abstraction so they share identical failure handling.
type Pool[T any] struct {
	cfg      Config
	queue    *Queue[lease[T]]
	governor *Governor
	process  ProcessFunc[T]
	logger   *logger.Logger
	metrics  Metrics
}

type lease[T any] struct {
	item     T
	attempts int
}

// NewPool constructs a pool. metrics may be nil.
func NewPool[T any](
	cfg Config,
	governor *Governor,
	process ProcessFunc[T],
	log *logger.Logger,
	metrics Metrics,
) *Pool[T] {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	return &Pool[T]{
		cfg:      cfg,
		queue:    NewQueue[lease[T]](cfg.Capacity),
		governor: governor,
		process:  process,
		logger:   log,
		metrics:  metrics,
	}
}

// Submit enqueues an item before or during a run. It reports false when the
// queue is full.
func (p *Pool[T]) Submit(item T) bool {
	return p.queue.Push(lease[T]{item: item})
}

// Size returns the number of items waiting in the queue.
func (p *Pool[T]) Size() int { return p.queue.Size() }

// Run starts the workers and blocks until the queue drains, the governor
// trips, or the context is canceled. It returns ErrBudgetExhausted on a
// governor trip; the caller owns any finalization.
func (p *Pool[T]) Run(ctx context.Context) error {
	if p.metrics != nil {
		p.metrics.SetActiveWorkers(ctx, p.cfg.Workers)
	}

	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for i := range p.cfg.Workers {
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()

	if p.metrics != nil {
		p.metrics.SetActiveWorkers(ctx, 0)
	}

	if p.governor.Tripped() {
		return ErrBudgetExhausted
	}
	return ctx.Err()
}

func (p *Pool[T]) workerLoop(ctx context.Context, workerID int) {
	log := p.logger.With("worker_id", workerID)

	for {
		select {
		case <-p.governor.TripC():
			log.Info(ctx, "worker stopping: error budget exhausted")
			return
		case <-ctx.Done():
			return
		default:
		}

		l, ok := p.queue.Pop(p.cfg.PopTimeout)
		if !ok {
			if p.queue.Idle() {
				return
			}
			continue
		}

		p.handle(ctx, log, l)
	}
}

func (p *Pool[T]) handle(ctx context.Context, log *logger.Logger, l lease[T]) {
	attempt := l.attempts + 1

	switch p.safeProcess(ctx, log, l.item, attempt) {
	case Done:
		p.queue.Ack()

	case Retry:
		p.governor.RecordError()
		if p.metrics != nil {
			p.metrics.IncItemRetries(ctx)
		}
		p.redeliver(ctx, log, l, attempt)

	case Defer:
		p.redeliver(ctx, log, l, attempt)
	}
}

// safeProcess runs the workflow with a worker-boundary recover so an
// unexpected panic is absorbed into the retry path instead of killing the
// process.
func (p *Pool[T]) safeProcess(ctx context.Context, log *logger.Logger, item T, attempt int) (d Disposition) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "worker panic recovered", "error", fmt.Sprintf("%v", r))
			d = Retry
		}
	}()
	return p.process(ctx, item, attempt)
}

func (p *Pool[T]) redeliver(ctx context.Context, log *logger.Logger, l lease[T], attempt int) {
	if p.cfg.Retry.MaxAttempts > 0 && attempt >= p.cfg.Retry.MaxAttempts {
		log.Warn(ctx, "item retry budget exhausted", "attempts", attempt)
		if p.metrics != nil {
			p.metrics.IncItemsExhausted(ctx)
		}
		p.queue.Ack()
		return
	}

	p.queue.Requeue(lease[T]{item: l.item, attempts: attempt}, p.cfg.Retry.Delay(attempt))
}
