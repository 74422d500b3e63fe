// Package worker runs keyed jobs on single-writer shards: every job for a key
// lands on the same shard and runs in arrival order; different keys run in
// parallel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/okian/tally/internal/adapters/mq/queue"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

const (
	defaultQueueSize    = 1024
	poolShutdownTimeout = 30 * time.Second
)

// ErrStopped is returned for work submitted after Shutdown.
var ErrStopped = errors.New("worker pool stopped")

// Worker processes jobs from one queue.
type Worker interface {
	// Run starts the worker loop until the queue closes or ctx is canceled.
	Run(ctx context.Context)
	// Shutdown waits for the worker to drain.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker runs jobs from its queue one at a time.
type InMemoryWorker struct {
	queue  queue.Queue
	name   string
	mark   *shardMark
	done   chan struct{}
	logger logger.Logger
}

// NewInMemoryWorker creates a worker reading from q.
func NewInMemoryWorker(q queue.Queue, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:  q,
		name:   "worker",
		done:   make(chan struct{}),
		logger: logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.With(logger.String("shard", w.name))
	}
	return w
}

// Run starts the worker loop. Queued jobs drain after the queue closes.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)
	jobs := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			w.process(ctx, j)
		}
	}
}

// Shutdown waits for the worker to finish or ctx to expire.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, j queue.Job) {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	jobCtx := j.Ctx
	if jobCtx == nil {
		jobCtx = ctx
	}
	if w.mark != nil {
		jobCtx = context.WithValue(jobCtx, shardKey{}, w.mark)
	}

	err := run(jobCtx, j)
	if err != nil {
		metrics.RecordWorkerError()
		w.logger.Debug(ctx, "job returned error", logger.String("key", j.Key), logger.Error(err))
	}
	if j.Done != nil {
		j.Done <- err
	}
}

func run(ctx context.Context, j queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("worker", "panic")
			err = fmt.Errorf("job %s panicked: %v", j.Key, r)
		}
	}()
	return j.Run(ctx)
}

type shardKey struct{}

type shardMark struct {
	pool *Pool
	idx  int
}

// Pool owns N shards, each a bounded queue with one worker.
type Pool struct {
	shardCount int
	queueSize  int
	queues     []*queue.InMemoryQueue
	workers    []*InMemoryWorker

	mu      sync.RWMutex
	started bool
	stopped bool

	logger logger.Logger
}

// NewPool creates a pool; shards default to runtime.NumCPU().
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		shardCount: runtime.NumCPU(),
		queueSize:  defaultQueueSize,
		logger:     logger.Get().Named("worker-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queues = make([]*queue.InMemoryQueue, p.shardCount)
	p.workers = make([]*InMemoryWorker, p.shardCount)
	for i := range p.queues {
		name := strconv.Itoa(i)
		p.queues[i] = queue.NewInMemoryQueue(queue.WithCapacity(p.queueSize), queue.WithName(name))
		p.workers[i] = NewInMemoryWorker(p.queues[i], WithName(name))
		p.workers[i].mark = &shardMark{pool: p, idx: i}
	}
	metrics.UpdateWorkerCount(p.shardCount)
	return p
}

// Shards returns the number of shards.
func (p *Pool) Shards() int { return p.shardCount }

// Start launches every shard worker.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("shards", p.shardCount), logger.Int("queue_size", p.queueSize))
}

// ShardFor maps a key to its shard index.
func (p *Pool) ShardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(p.shardCount))
}

// Do runs fn on the key's shard and waits for its result. A job already
// running on that shard executes fn inline. Cancelling ctx stops the wait but
// not a job that was already accepted; fn receives a context that is never
// cancelled by the caller.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	idx := p.ShardFor(key)
	if m, ok := ctx.Value(shardKey{}).(*shardMark); ok && m.pool == p && m.idx == idx {
		return fn(ctx)
	}
	done := make(chan error, 1)
	if err := p.enqueue(ctx, idx, queue.Job{Key: key, Run: fn, Ctx: context.WithoutCancel(ctx), Done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues fn on the key's shard without waiting.
func (p *Pool) Go(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return p.enqueue(ctx, p.ShardFor(key), queue.Job{Key: key, Run: fn, Ctx: context.WithoutCancel(ctx)})
}

func (p *Pool) enqueue(ctx context.Context, idx int, j queue.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	if err := p.queues[idx].Enqueue(ctx, j); err != nil {
		return fmt.Errorf("shard %d: %w", idx, err)
	}
	return nil
}

// Backlog returns queued jobs per shard.
func (p *Pool) Backlog() []int {
	out := make([]int, len(p.queues))
	for i, q := range p.queues {
		out[i] = q.Len()
	}
	return out
}

// Shutdown stops accepting work and waits for queued jobs to drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	for _, q := range p.queues {
		if err := q.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	if !started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()
	var errs []error
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("shard", i))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
