// Package workers provides a bounded goroutine pool for running backtests in
// parallel.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Per-task timeout, zero for none
	ShutdownTimeout time.Duration // Timeout for Stop
	PanicRecovery   bool          // Recover panics in tasks
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	mu        sync.RWMutex // guards running and closing taskQueue
	running   bool
	taskQueue chan Task
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   newPoolMetrics(),
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.executeTask(logger, task)
		}
	}
}

func (p *Pool) executeTask(logger *zap.Logger, task Task) {
	start := time.Now()

	done := make(chan error, 1)
	go func() { done <- p.safeExecute(logger, task) }()

	var timeout <-chan time.Time
	if p.config.TaskTimeout > 0 {
		timer := time.NewTimer(p.config.TaskTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		p.metrics.recordLatency(time.Since(start))
		if err != nil {
			atomic.AddInt64(&p.metrics.tasksFailed, 1)
			logger.Debug("task failed", zap.Error(err))
		} else {
			atomic.AddInt64(&p.metrics.tasksCompleted, 1)
		}

	case <-timeout:
		atomic.AddInt64(&p.metrics.tasksTimeout, 1)
		logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))

	case <-p.ctx.Done():
	}
}

func (p *Pool) safeExecute(logger *zap.Logger, task Task) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.panicRecovered, 1)
				logger.Error("worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
		}()
	}
	return task.Execute()
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.tasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Drain stops accepting tasks, runs everything already queued, and waits
// for the workers to exit.
func (p *Pool) Drain() {
	if p.close() {
		p.wg.Wait()
	}
	p.cancel()
}

// Stop shuts down the pool, dropping queued tasks. Running tasks are given
// ShutdownTimeout to finish.
func (p *Pool) Stop() error {
	p.close()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// close flips the pool to stopped and closes the queue. It reports whether
// the pool was running.
func (p *Pool) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	close(p.taskQueue)
	return true
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.stats()
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// PoolMetrics tracks pool counters and a ring of recent task latencies.
type PoolMetrics struct {
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksTimeout   int64
	panicRecovered int64

	mu        sync.Mutex
	latencies []time.Duration
	next      int
	filled    bool
	startTime time.Time
}

const latencyWindow = 1024

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies: make([]time.Duration, latencyWindow),
		startTime: time.Now(),
	}
}

func (m *PoolMetrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.next] = d
	m.next = (m.next + 1) % latencyWindow
	if m.next == 0 {
		m.filled = true
	}
}

func (m *PoolMetrics) p99() time.Duration {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = latencyWindow
	}
	sorted := append([]time.Duration(nil), m.latencies[:n]...)
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *PoolMetrics) stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.tasksFailed),
		TasksTimeout:   atomic.LoadInt64(&m.tasksTimeout),
		PanicRecovered: atomic.LoadInt64(&m.panicRecovered),
		P99Latency:     m.p99(),
		Uptime:         time.Since(m.startTime),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
