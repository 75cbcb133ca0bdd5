// Package executor runs submitted functions on a fixed pool of workers,
// ordered by priority and then by submission order.
package executor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/metrics"
)

// DefaultPriority is used when a task is submitted without WithPriority.
const DefaultPriority = 100

const defaultPollInterval = 500 * time.Millisecond

var (
	ErrShutdown  = errors.New("executor is shut down")
	ErrCancelled = errors.New("task cancelled before start")
	ErrPanic     = errors.New("task panicked")
)

// Func is the unit of work. The context is never cancelled by the executor;
// a started task always runs to completion.
type Func func(ctx context.Context) (any, error)

// Executor is a fixed-size worker pool consuming a priority queue.
type Executor struct {
	mu     sync.Mutex
	queue  taskQueue
	seq    uint64
	closed bool

	notify chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup

	ctx          context.Context
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPollInterval bounds how long an idle worker sleeps before re-checking
// the queue and the shutdown flag.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for task failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithContext sets the context handed to every task.
func WithContext(ctx context.Context) Option {
	return func(e *Executor) { e.ctx = ctx }
}

// New starts an executor with the given number of workers. Workers run until Shutdown.
func New(workers int, opts ...Option) *Executor {
	if workers <= 0 {
		workers = 1
	}
	e := &Executor{
		notify:       make(chan struct{}, workers),
		quit:         make(chan struct{}),
		ctx:          context.Background(),
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker(i)
	}
	return e
}

type submitParams struct {
	priority int
	name     string
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitParams)

// WithPriority sets the task priority. Lower values are dequeued first.
func WithPriority(p int) SubmitOption {
	return func(s *submitParams) { s.priority = p }
}

// WithName labels the task in logs.
func WithName(name string) SubmitOption {
	return func(s *submitParams) { s.name = name }
}

// Submit queues fn and returns its handle. It fails with ErrShutdown once
// Shutdown has been called.
func (e *Executor) Submit(fn Func, opts ...SubmitOption) (*Handle, error) {
	params := submitParams{priority: DefaultPriority}
	for _, opt := range opts {
		opt(&params)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	e.seq++
	h := &Handle{
		id:       uuid.New(),
		name:     params.name,
		priority: params.priority,
		seq:      e.seq,
		fn:       fn,
		exec:     e,
		state:    statePending,
		done:     make(chan struct{}),
	}
	heap.Push(&e.queue, h)
	depth := e.queue.Len()
	e.mu.Unlock()

	metrics.ExecutorQueueDepth.Set(float64(depth))

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return h, nil
}

// Pending returns the number of queued tasks not yet claimed by a worker.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Shutdown stops accepting new work. With cancelPending every queued task is
// cancelled before Shutdown returns; otherwise workers drain the queue first.
// With wait, Shutdown blocks until every worker has exited.
func (e *Executor) Shutdown(wait, cancelPending bool) {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.quit)
	}
	cancelled := 0
	if cancelPending {
		for e.queue.Len() > 0 {
			h := heap.Pop(&e.queue).(*Handle)
			h.cancelLocked()
			cancelled++
		}
	}
	depth := e.queue.Len()
	e.mu.Unlock()

	metrics.ExecutorQueueDepth.Set(float64(depth))
	if cancelled > 0 {
		metrics.ExecutorTasksTotal.WithLabelValues("cancelled").Add(float64(cancelled))
		e.logger.Info("executor cancelled pending tasks", "count", cancelled)
	}

	if wait {
		e.wg.Wait()
	}
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()

	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()

	for {
		h, exit := e.claim()
		if exit {
			return
		}
		if h != nil {
			e.run(h)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.pollInterval)

		select {
		case <-e.notify:
		case <-e.quit:
		case <-timer.C:
		}
	}
}

// claim pops the next task. exit is true once the executor is closed and
// nothing is left to run.
func (e *Executor) claim() (h *Handle, exit bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue.Len() == 0 {
		return nil, e.closed
	}
	h = heap.Pop(&e.queue).(*Handle)
	h.state = stateRunning
	metrics.ExecutorQueueDepth.Set(float64(e.queue.Len()))
	return h, false
}

func (e *Executor) run(h *Handle) {
	start := time.Now()
	outcome := "success"

	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				h.result = nil
				h.err = fmt.Errorf("%w: %v", ErrPanic, r)
				e.logger.Error("task panicked",
					"task_id", h.id,
					"task", h.name,
					"error", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		h.result, h.err = h.fn(e.ctx)
	}()

	if outcome == "success" && h.err != nil {
		outcome = "error"
		e.logger.Warn("task failed", "task_id", h.id, "task", h.name, "error", h.err)
	}

	metrics.ExecutorTasksTotal.WithLabelValues(outcome).Inc()
	metrics.ExecutorTaskDuration.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	h.state = stateFinished
	e.mu.Unlock()
	close(h.done)
}

// removeLocked takes a pending handle out of the queue. Caller holds e.mu.
func (e *Executor) removeLocked(h *Handle) {
	if h.index >= 0 && h.index < e.queue.Len() && e.queue[h.index] == h {
		heap.Remove(&e.queue, h.index)
	}
	metrics.ExecutorQueueDepth.Set(float64(e.queue.Len()))
	metrics.ExecutorTasksTotal.WithLabelValues("cancelled").Inc()
}
