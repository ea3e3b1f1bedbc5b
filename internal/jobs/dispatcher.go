package jobs

import (
	"context"
	"sync"
)

// Dispatcher runs posted closures on the goroutine that calls Run.
// Worker goroutines use it to hand progress and log callbacks to the
// presentation side without touching its state directly.
type Dispatcher struct {
	mu     sync.RWMutex
	closed bool
	queue  chan func()
	stop   chan struct{}
	once   sync.Once
}

// NewDispatcher creates a dispatcher with a buffered queue.
func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		queue: make(chan func(), buffer),
		stop:  make(chan struct{}),
	}
}

// Post enqueues fn. It reports false once the dispatcher is closed or stopped.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.queue <- fn:
		return true
	case <-d.stop:
		return false
	}
}

// Close stops accepting work. Run returns after draining queued closures.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Run executes queued closures until Close or ctx cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.once.Do(func() { close(d.stop) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn, ok := <-d.queue:
			if !ok {
				return nil
			}
			if fn != nil {
				fn()
			}
		}
	}
}
