package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notification-engine/internal/observability"
)

// Task is a unit of work executed by the pool. Tasks must be safe to run
// concurrently with each other and should honor context cancellation.
type Task func(ctx context.Context) error

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// NumWorkers is the number of concurrent workers to run.
	NumWorkers int

	// QueueSize is the size of the task queue buffer.
	// If the queue is full, Submit() will block.
	QueueSize int

	// DrainTimeout is the maximum time to wait for in-flight tasks
	// to complete during graceful shutdown.
	DrainTimeout time.Duration
}

// DefaultPoolConfig returns sensible defaults for a worker pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:   10,
		QueueSize:    100,
		DrainTimeout: 30 * time.Second,
	}
}

// Pool runs submitted tasks across a bounded set of workers. Campaign
// materialization uses one pool per run: Start, Submit one task per
// recipient, then Drain as the completion barrier.
type Pool struct {
	name   string
	config PoolConfig
	logger *observability.Logger

	taskChan chan Task
	wg       sync.WaitGroup

	// Lifecycle management
	mu       sync.Mutex
	started  bool
	draining bool
	stopped  bool
	cancelFn context.CancelFunc
}

// NewPool creates a worker pool. The name appears in logs only.
func NewPool(name string, config PoolConfig, logger *observability.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}

	return &Pool{
		name:     name,
		config:   config,
		logger:   logger,
		taskChan: make(chan Task, config.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.stopped {
		return fmt.Errorf("worker pool already stopped")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancelFn = cancel
	p.started = true

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx, i)
	}

	p.logger.Debug(ctx, fmt.Sprintf("Started %d workers for %s pool", p.config.NumWorkers, p.name))
	return nil
}

// Submit queues a task for execution. Blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	if p.draining || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is shutting down")
	}
	p.mu.Unlock()

	select {
	case p.taskChan <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting new tasks and waits for in-flight tasks to complete.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	if p.draining {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already draining")
	}
	p.draining = true
	p.mu.Unlock()

	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, p.config.DrainTimeout)
	defer cancel()

	select {
	case <-done:
		p.logger.Debug(ctx, fmt.Sprintf("Drained %s pool", p.name))
		return nil
	case <-drainCtx.Done():
		p.logger.Warn(ctx, fmt.Sprintf("Drain timeout exceeded for %s pool, forcing shutdown", p.name))
		p.Stop()
		return fmt.Errorf("drain timeout exceeded")
	}
}

// Stop immediately cancels all workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	if p.cancelFn != nil {
		p.cancelFn()
	}

	if !p.draining {
		close(p.taskChan)
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	workerCtx := observability.WithFields(ctx,
		observability.Field{Key: "worker_id", Value: workerID},
		observability.Field{Key: "pool", Value: p.name},
	)

	for {
		select {
		case <-ctx.Done():
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			if err := task(workerCtx); err != nil {
				p.logger.Error(workerCtx, "worker task failed", err)
			}
		}
	}
}
