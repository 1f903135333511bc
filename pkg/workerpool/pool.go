// Package workerpool runs background jobs on a fixed set of goroutines. It backs
// asynchronous replication and write-behind persistence.
package workerpool

import (
	"sync"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// JobFunc is a function that can be enqueued in a worker pool.
type JobFunc func() error

// ErrorHandler receives the errors returned by jobs.
type ErrorHandler func(error)

// Pool is a pool of workers that execute jobs concurrently.
type Pool struct {
	mu       sync.RWMutex
	workers  int
	jobs     chan JobFunc
	inflight sync.WaitGroup
	running  sync.WaitGroup
	closed   bool
	onError  ErrorHandler
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler installs the handler called with every job error.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pool) {
		if h != nil {
			p.onError = h
		}
	}
}

// WithQueueSize sets how many jobs may wait for a worker before Submit blocks.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.jobs = make(chan JobFunc, n)
		}
	}
}

// New starts a pool with the given number of workers (at least one).
func New(workers int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		workers: workers,
		jobs:    make(chan JobFunc, workers),
		onError: func(error) {},
	}

	for _, opt := range opts {
		opt(p)
	}

	for range p.workers {
		p.running.Add(1)

		go p.worker()
	}

	return p
}

// Submit enqueues job. It blocks while the queue is full and fails with
// sentinel.ErrShuttingDown once Shutdown was called.
func (p *Pool) Submit(job JobFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return sentinel.ErrShuttingDown
	}

	p.inflight.Add(1)

	p.jobs <- job

	return nil
}

// Wait blocks until every job submitted so far has finished.
func (p *Pool) Wait() { p.inflight.Wait() }

// Shutdown stops accepting jobs, drains the queue and waits for the workers to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.running.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// worker is the main loop executed by each worker goroutine.
func (p *Pool) worker() {
	defer p.running.Done()

	for job := range p.jobs {
		err := job()
		if err != nil {
			p.onError(err)
		}

		p.inflight.Done()
	}
}
