// Package worker runs settlement tasks on a bounded queue detached from request lifetimes.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of background work.
type Task struct {
	Name   string
	Fields map[string]interface{}
	Run    func(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	// Workers is the number of concurrent workers (default: 4)
	Workers int
	// QueueSize is the bounded queue size (default: 256)
	QueueSize int
	// TaskTimeout bounds each task run (default: 45s)
	TaskTimeout time.Duration
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64
	Dropped   int64
	Completed int64
	Failed    int64
	Queued    int
}

type job struct {
	ctx      context.Context
	task     Task
	enqueued time.Time
}

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	queue   chan job
	group   *errgroup.Group
	config  Config
	metrics metrics.Collector
	logger  logger.Logger

	mu     sync.RWMutex
	closed bool

	submitted int64
	dropped   int64
	completed int64
	failed    int64
}

// NewPool starts the workers. The pool must be stopped with Stop.
func NewPool(config Config, collector metrics.Collector, log logger.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 45 * time.Second
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	p := &Pool{
		queue:   make(chan job, config.QueueSize),
		group:   &errgroup.Group{},
		config:  config,
		metrics: collector,
		logger:  log,
	}

	for i := 0; i < config.Workers; i++ {
		p.group.Go(func() error {
			p.work()
			return nil
		})
	}

	return p
}

// Submit enqueues a task without blocking. The task inherits ctx values but not its
// cancellation; each run is bounded by TaskTimeout instead.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.RecordTaskDropped()
		return pkgerrors.ErrQueueClosed
	}

	select {
	case p.queue <- job{ctx: context.WithoutCancel(ctx), task: task, enqueued: time.Now()}:
		atomic.AddInt64(&p.submitted, 1)
		p.metrics.RecordQueueDepth(len(p.queue))
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.RecordTaskDropped()
		return pkgerrors.ErrQueueFull
	}
}

// Stop refuses new tasks and waits for accepted ones to finish, or for ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- p.group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return pkgerrors.Wrap(ctx.Err(), "worker pool did not drain")
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Queued:    len(p.queue),
	}
}

func (p *Pool) work() {
	for j := range p.queue {
		p.metrics.RecordQueueDepth(len(p.queue))
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, p.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := p.safeRun(ctx, j.task)
	duration := time.Since(start)

	p.metrics.RecordTask(err == nil, duration)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("Background task failed", p.fields(j, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		}))
		return
	}
	atomic.AddInt64(&p.completed, 1)
	p.logger.Debug("Background task completed", p.fields(j, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"waited_ms":   start.Sub(j.enqueued).Milliseconds(),
	}))
}

func (p *Pool) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (p *Pool) fields(j job, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(j.task.Fields)+len(extra)+1)
	for k, v := range j.task.Fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	out["task"] = j.task.Name
	return out
}
