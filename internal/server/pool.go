package server

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/amoylab/imgate/pkg/metrics"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit once the pool is stopping
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool runs tasks on a fixed set of goroutines. It bounds how many
// frames are dispatched at once across all sessions.
type WorkerPool struct {
	workers int
	tasks   chan func()
	quit    chan struct{}

	started  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	pending   atomic.Int64
	completed atomic.Int64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewWorkerPool creates a pool of n workers; n <= 0 means runtime.NumCPU().
// Workers run after Start.
func NewWorkerPool(n int, logger *zap.Logger, m *metrics.Metrics) *WorkerPool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &WorkerPool{
		workers: n,
		tasks:   make(chan func()),
		quit:    make(chan struct{}),
		logger:  logger.Named("pool"),
		metrics: m,
	}
}

// Start launches the workers. Only the first call has any effect.
func (p *WorkerPool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Submit hands task to a worker, blocking until one is free.
// It returns ErrPoolClosed if the pool stops first.
func (p *WorkerPool) Submit(task func()) error {
	if task == nil {
		return nil
	}
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.metrics.PoolPending(p.pending.Add(1))
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		p.metrics.PoolPending(p.pending.Add(-1))
		return ErrPoolClosed
	}
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(id, task)
		case <-p.quit:
			return
		}
	}
}

func (p *WorkerPool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
		p.completed.Add(1)
		p.metrics.PoolPending(p.pending.Add(-1))
	}()
	task()
}

// Stop refuses new work and waits for running tasks to finish
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.quit)
		p.wg.Wait()
		p.logger.Info("worker pool stopped", zap.Int64("completed", p.completed.Load()))
	})
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns task counters
func (p *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"pending_tasks":   p.pending.Load(),
		"completed_tasks": p.completed.Load(),
		"num_workers":     int64(p.workers),
	}
}
