package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrDuplicate is returned when a task with the same name is already
	// queued or running
	ErrDuplicate = errors.New("task already pending")
)

// Task is a named unit of background work. Only one task per name can be
// pending at a time.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// WorkerPool runs tasks on a fixed set of goroutines. Tasks receive a
// context that is canceled when the pool stops.
type WorkerPool struct {
	name      string
	workers   int
	queueSize int
	taskQueue chan Task
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]struct{}
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string `json:"name"`
	Workers        int    `json:"workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg *Config, logger *zap.Logger) *WorkerPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:      cfg.Name,
		workers:   workers,
		queueSize: queueSize,
		taskQueue: make(chan Task, queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(id, task)
		}
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer p.release(task.Name)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", task.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task", task.Name),
		zap.Duration("duration", duration))
}

// safeExecute runs a task, converting a panic into an error
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(p.ctx)
}

func (p *WorkerPool) release(name string) {
	p.mu.Lock()
	delete(p.pending, name)
	p.mu.Unlock()
}

// Submit queues a task without blocking
func (p *WorkerPool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ErrStopped
	}
	if _, ok := p.pending[task.Name]; ok {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ErrDuplicate
	}

	select {
	case p.taskQueue <- task:
		p.pending[task.Name] = struct{}{}
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ErrQueueFull
	}
}

// TrySubmit queues a task and reports whether it was accepted
func (p *WorkerPool) TrySubmit(task Task) bool {
	return p.Submit(task) == nil
}

// Stop rejects new tasks, cancels the context handed to running tasks and
// waits for the workers to exit or ctx to expire. Queued tasks that have
// not started are dropped.
func (p *WorkerPool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-ctx.Done():
			err = fmt.Errorf("worker pool %q did not stop: %w", p.name, ctx.Err())
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		Workers:        p.workers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}
