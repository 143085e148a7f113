// Package workerpool runs fire-and-forget tasks on a fixed set of goroutines
// fed by a bounded queue. Submission never blocks: a full queue rejects.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned when a task cannot be queued without blocking.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("worker pool is stopped")
)

// Task is a unit of work. Ctx defaults to context.Background().
type Task struct {
	ID  string
	Fn  func(context.Context) error
	Ctx context.Context
}

// Config sizes a pool.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     zerolog.Logger
}

// Pool is a bounded worker pool.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	tasks      chan Task
	logger     zerolog.Logger

	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool with cfg.MaxWorkers goroutines.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		tasks:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger.With().Str("pool", cfg.Name).Logger(),
		quit:       make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info().
		Int("max_workers", p.maxWorkers).
		Int("queue_size", p.queueSize).
		Msg("worker pool started")
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.execute(id, task)
		case <-p.quit:
			// Drain what was accepted before Stop.
			for {
				select {
				case task := <-p.tasks:
					p.execute(id, task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error().Err(err).
			Int("worker_id", workerID).
			Str("task_id", task.ID).
			Dur("duration", time.Since(start)).
			Msg("task failed")
		return
	}
	p.completed.Add(1)
	p.logger.Debug().
		Int("worker_id", workerID).
		Str("task_id", task.ID).
		Dur("duration", time.Since(start)).
		Msg("task completed")
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// TrySubmit queues task without blocking. It returns ErrQueueFull or
// ErrStopped when the task was not accepted.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// Stop rejects new tasks, lets workers finish queued ones and waits up to
// timeout for them to exit.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.quit)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info().Msg("worker pool stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn().Dur("timeout", timeout).Msg("worker pool stop timeout")
		}
	})
	return err
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	SubmittedTasks uint64 `json:"submitted_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.active.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.tasks),
		SubmittedTasks: p.submitted.Load(),
		CompletedTasks: p.completed.Load(),
		FailedTasks:    p.failed.Load(),
		RejectedTasks:  p.rejected.Load(),
	}
}

// QueueUtilization returns the queue fill level as a percentage.
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.QueueSize) * 100.0
}
