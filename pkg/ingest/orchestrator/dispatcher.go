package orchestrator

import (
	"context"
	"sync"
)

// Dispatcher runs submitted work on a bounded pool. Submit never blocks: every unit gets
// its own goroutine that waits for a slot. Units are tracked by id until they return.
type Dispatcher struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu   sync.Mutex
	live map[string]struct{}
}

// NewDispatcher creates a dispatcher running at most maxConcurrent units at once.
func NewDispatcher(maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		slots: make(chan struct{}, maxConcurrent),
		live:  make(map[string]struct{}),
	}
}

// Submit schedules work under id and returns immediately.
func (d *Dispatcher) Submit(id string, work func()) {
	d.mu.Lock()
	d.live[id] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.live, id)
			d.mu.Unlock()
		}()
		d.slots <- struct{}{}
		defer func() { <-d.slots }()
		work()
	}()
}

// Live reports whether the unit id is queued or running in this process.
func (d *Dispatcher) Live(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[id]
	return ok
}

// InFlight returns the number of queued and running units.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Wait blocks until every submitted unit has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
