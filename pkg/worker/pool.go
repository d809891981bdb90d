// Package worker provides a generic worker pool for concurrent task
// processing. The request server uses one to run handlers off its receive
// loop; the per-item serial queues in the store runtime are separate and do
// not use it.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KeckObservatory/mKTL/metric"
)

// Pool is a generic worker pool processing work items of type T.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics *poolMetrics
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers queue-depth and throughput metrics for this pool
// under the given prefix.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_queue_depth",
				Help: "Current worker pool queue depth.",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Work items submitted.",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_processed_total",
				Help: "Work items processed.",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_failed_total",
				Help: "Work items whose processor returned an error.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Work items dropped because the queue was full.",
			}),
		}

		for name, collector := range map[string]prometheus.Collector{
			"queue_depth":     m.queueDepth,
			"submitted_total": m.submitted,
			"processed_total": m.processed,
			"failed_total":    m.failed,
			"dropped_total":   m.dropped,
		} {
			if err := registry.Register(prefix, name, collector); err != nil {
				// A second pool with the same prefix keeps working, it
				// just goes unmetered.
				return
			}
		}

		p.metrics = m
	}
}

// NewPool creates a worker pool. Zero or negative sizes select the
// defaults: 16 workers, a queue of 1024.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 16
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Submit queues work for processing. Returns ErrQueueFull rather than
// blocking when the queue is saturated.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for in-flight work to
// drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats reports the pool's counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			err := p.processor(ctx, work)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				if err != nil {
					p.metrics.failed.Inc()
				}
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}
