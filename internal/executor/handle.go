package executor

import (
	"context"

	"github.com/google/uuid"
)

type handleState int

const (
	statePending handleState = iota
	stateRunning
	stateFinished
	stateCancelled
)

// Handle is the submitter's view of a task. It is shared between the
// submitter and the worker that runs it.
type Handle struct {
	id       uuid.UUID
	name     string
	priority int
	seq      uint64
	fn       Func

	exec  *Executor
	index int // position in the queue, -1 once popped

	// state is guarded by exec.mu.
	state handleState

	// result and err are written once before done is closed.
	result any
	err    error
	done   chan struct{}
}

// ID returns the task identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Name returns the label the task was submitted with.
func (h *Handle) Name() string { return h.name }

// Priority returns the task priority. Lower runs sooner.
func (h *Handle) Priority() int { return h.priority }

// Done is closed when the task finished, failed or was cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel removes the task from the queue if no worker has claimed it yet.
// It returns false once the task has started; running tasks are never interrupted.
func (h *Handle) Cancel() bool {
	e := h.exec
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.state != statePending {
		return false
	}
	e.removeLocked(h)
	h.cancelLocked()
	return true
}

// Cancelled reports whether the task was cancelled before it started.
func (h *Handle) Cancelled() bool {
	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	return h.state == stateCancelled
}

// Wait blocks until the task is done or ctx is cancelled. The returned error is
// the task's own error, ErrCancelled, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelLocked must be called with exec.mu held and the handle out of the queue.
func (h *Handle) cancelLocked() {
	h.state = stateCancelled
	h.err = ErrCancelled
	close(h.done)
}
