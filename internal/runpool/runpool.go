// Package runpool runs independent analyses on a bounded pool of workers.
package runpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 100
)

// ErrQueueFull is returned by Submit when no more work can be queued
var ErrQueueFull = errors.New("run queue is full, try again later")

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("run pool is closed")

// Job is one unit of work. It receives the pool's context.
type Job[T any] func(ctx context.Context) (T, error)

// Result is the outcome of a job
type Result[T any] struct {
	Key   string
	Value T
	Err   error
	// Shared is set when the value came from an identical job already in flight
	Shared bool
}

type work[T any] struct {
	key    string
	job    Job[T]
	result chan<- Result[T]
}

// Pool is a fixed set of workers fed from a bounded queue. Jobs with the same
// key that overlap in time run once and share the result.
type Pool[T any] struct {
	numWorkers int
	workQueue  chan work[T]
	group      singleflight.Group
	wg         sync.WaitGroup
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Options sizes a pool. Zero values pick the defaults.
type Options struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// New starts a pool. Cancelling ctx cancels every running job.
func New[T any](ctx context.Context, opts Options) *Pool[T] {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool[T]{
		numWorkers: opts.Workers,
		workQueue:  make(chan work[T], opts.QueueSize),
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	p.startWorkers()
	return p
}

// startWorkers starts a pool of goroutines draining the queue
func (p *Pool[T]) startWorkers() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for w := range p.workQueue {
				p.run(id, w)
			}
		}(i)
	}
}

func (p *Pool[T]) run(id int, w work[T]) {
	if err := p.ctx.Err(); err != nil {
		w.result <- Result[T]{Key: w.key, Err: err}
		return
	}

	p.logger.Debug("job started", "worker", id, "key", w.key)
	v, err, shared := p.group.Do(w.key, func() (any, error) {
		return w.job(p.ctx)
	})

	res := Result[T]{Key: w.key, Err: err, Shared: shared}
	if value, ok := v.(T); ok {
		res.Value = value
	}
	w.result <- res
}

// Submit queues a job without blocking. When the queue is full the returned
// channel carries ErrQueueFull immediately.
func (p *Pool[T]) Submit(key string, job Job[T]) <-chan Result[T] {
	resultChan := make(chan Result[T], 1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		resultChan <- Result[T]{Key: key, Err: ErrClosed}
		return resultChan
	}

	// Check if we're already at capacity
	select {
	case p.workQueue <- work[T]{key: key, job: job, result: resultChan}:
	default:
		resultChan <- Result[T]{Key: key, Err: ErrQueueFull}
	}
	return resultChan
}

// Close stops accepting work and waits for queued jobs to finish.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.workQueue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
