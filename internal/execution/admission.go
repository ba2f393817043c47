package execution

import (
	"context"
	"errors"
	"sync"
)

// errQueueFull is returned by acquire when the wait queue is at capacity.
var errQueueFull = errors.New("execution: admission queue full")

// admission is a fixed pool of worker slots with a bounded FIFO wait queue.
// A released slot is handed directly to the oldest waiter, so admission
// order matches arrival order.
type admission struct {
	mu    sync.Mutex
	slots int
	inUse int
	depth int
	queue []*waiter
}

type waiter struct {
	// ready receives nil when a slot has been handed over, or the error that
	// failed the queue. Buffered so senders never block.
	ready chan error
}

func newAdmission(slots, depth int) *admission {
	return &admission{slots: max(slots, 1), depth: max(depth, 0)}
}

// acquire takes a slot, waiting in FIFO order if none is free. It fails at
// once with errQueueFull when depth requests are already waiting.
func (a *admission) acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.inUse < a.slots && len(a.queue) == 0 {
		a.inUse++
		a.mu.Unlock()
		return nil
	}
	if len(a.queue) >= a.depth {
		a.mu.Unlock()
		return errQueueFull
	}
	w := &waiter{ready: make(chan error, 1)}
	a.queue = append(a.queue, w)
	a.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		a.mu.Lock()
		for i, q := range a.queue {
			if q == w {
				a.queue = append(a.queue[:i], a.queue[i+1:]...)
				a.mu.Unlock()
				return context.Cause(ctx)
			}
		}
		a.mu.Unlock()
		// Handed a slot (or failed) concurrently with cancellation.
		if err := <-w.ready; err == nil {
			a.release()
		}
		return context.Cause(ctx)
	}
}

// release returns a slot, handing it to the oldest waiter if there is one.
func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		w := a.queue[0]
		a.queue = a.queue[1:]
		w.ready <- nil
		return
	}
	a.inUse--
}

// failQueued wakes every waiter with err and empties the queue. Slots in use
// are unaffected.
func (a *admission) failQueued(err error) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.queue)
	for _, w := range a.queue {
		w.ready <- err
	}
	a.queue = nil
	return n
}

// stats returns the number of slots in use and requests waiting.
func (a *admission) stats() (inUse, queued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse, len(a.queue)
}
