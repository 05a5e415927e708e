package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteRunsImmediatelyUnderLimit(t *testing.T) {
	g := New(2)

	ran := false
	err := g.Execute(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 2
	const burst = 20

	g := New(limit)

	var active, peak int64
	var wg sync.WaitGroup

	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Execute(context.Background(), func(context.Context) error { //nolint:errcheck
				n := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > limit {
		t.Errorf("peak concurrency = %d, want <= %d", got, limit)
	}
	if g.Active() != 0 {
		t.Errorf("Active() = %d after drain, want 0", g.Active())
	}
}

func TestFIFOOrder(t *testing.T) {
	g := New(1)

	blocker := make(chan struct{})
	started := make(chan struct{})
	go g.Execute(context.Background(), func(context.Context) error { //nolint:errcheck
		close(started)
		<-blocker
		return nil
	})
	<-started

	const queued = 5
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < queued; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			g.Execute(context.Background(), func(context.Context) error { //nolint:errcheck
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// give each submission time to enqueue before the next
		waitForQueued(t, g, i+1)
	}

	close(blocker)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

func TestClearQueue(t *testing.T) {
	g := New(1)

	blocker := make(chan struct{})
	started := make(chan struct{})
	activeDone := make(chan error, 1)
	go func() {
		activeDone <- g.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	const queued = 3
	errs := make(chan error, queued)
	for i := 0; i < queued; i++ {
		go func() {
			errs <- g.Execute(context.Background(), func(context.Context) error {
				return nil
			})
		}()
		waitForQueued(t, g, i+1)
	}

	g.ClearQueue()

	for i := 0; i < queued; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrCancelled) {
				t.Errorf("queued request error = %v, want ErrCancelled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("queued request not rejected")
		}
	}

	// the running request is untouched
	close(blocker)
	select {
	case err := <-activeDone:
		if err != nil {
			t.Errorf("active request error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("active request did not finish")
	}
}

func TestContextCancelWhileQueued(t *testing.T) {
	g := New(1)

	blocker := make(chan struct{})
	started := make(chan struct{})
	go g.Execute(context.Background(), func(context.Context) error { //nolint:errcheck
		close(started)
		<-blocker
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Execute(ctx, func(context.Context) error { return nil })
	}()
	waitForQueued(t, g, 1)

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request did not observe cancellation")
	}

	// freeing the slot must not leak it to the abandoned waiter
	close(blocker)
	waitForActive(t, g, 0)
}

func waitForQueued(t *testing.T, g *Governor, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.Queued() < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue never reached %d (at %d)", n, g.Queued())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForActive(t *testing.T, g *Governor, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.Active() != n {
		if time.Now().After(deadline) {
			t.Fatalf("active never reached %d (at %d)", n, g.Active())
		}
		time.Sleep(time.Millisecond)
	}
}
