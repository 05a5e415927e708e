// Package governor bounds the number of concurrent HTTP requests to the
// onboard device, which runs an embedded server that degrades badly
// under parallel load. Overflow is queued in FIFO order.
package governor

import (
	"context"
	"errors"
	"sync"
)

// Governor errors.
var (
	// ErrCancelled is returned for queued requests dropped by ClearQueue.
	ErrCancelled = errors.New("governor: request cancelled")
)

type waiter struct {
	ch        chan error
	abandoned bool
}

// Governor serializes overflow requests. The active count never exceeds
// the configured bound; queued requests start in submission order.
type Governor struct {
	maxConcurrent int

	mutex  sync.Mutex
	active int
	queue  []*waiter
}

// New allocates a Governor. maxConcurrent defaults to 2.
func New(maxConcurrent int) *Governor {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Governor{maxConcurrent: maxConcurrent}
}

// Execute runs fn as soon as a slot is available, queueing behind
// earlier submissions otherwise. It returns fn's error, ErrCancelled if
// the queued request was dropped, or the context error if ctx ends
// while waiting.
func (g *Governor) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	return fn(ctx)
}

func (g *Governor) acquire(ctx context.Context) error {
	g.mutex.Lock()

	if g.active < g.maxConcurrent {
		g.active++
		g.mutex.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan error, 1)}
	g.queue = append(g.queue, w)
	g.mutex.Unlock()

	select {
	case err := <-w.ch:
		return err

	case <-ctx.Done():
		g.mutex.Lock()
		w.abandoned = true
		g.mutex.Unlock()

		// the slot may have been granted in the meantime
		select {
		case err := <-w.ch:
			if err == nil {
				g.release()
			}
		default:
		}
		return ctx.Err()
	}
}

// release hands the slot to the oldest live waiter, or frees it.
// Must be called without the mutex held.
func (g *Governor) release() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for len(g.queue) > 0 {
		w := g.queue[0]
		g.queue = g.queue[1:]
		if w.abandoned {
			continue
		}
		w.ch <- nil
		return
	}

	g.active--
}

// ClearQueue rejects every queued-but-not-started request with
// ErrCancelled. Requests already executing are untouched. Used on
// teardown so stale work never runs after its consumer is gone.
func (g *Governor) ClearQueue() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for _, w := range g.queue {
		if !w.abandoned {
			w.ch <- ErrCancelled
		}
	}
	g.queue = nil
}

// Active returns the number of requests currently executing.
func (g *Governor) Active() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.active
}

// Queued returns the number of requests waiting for a slot.
func (g *Governor) Queued() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.queue)
}
