package sync

import (
	stdsync "sync"
	"time"
)

// Debouncer coalesces a noisy stream: values published within the delay
// window collapse into one delivery carrying the latest value. Used for
// presence bursts so N device joins produce one callback, not N.
type Debouncer[T any] struct {
	delay   time.Duration
	deliver func(T)

	mu      stdsync.Mutex
	timer   *time.Timer
	latest  T
	stopped bool
}

// NewDebouncer constructs a debouncer delivering through the provided
// function after the delay elapses without a newer value.
func NewDebouncer[T any](delay time.Duration, deliver func(T)) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, deliver: deliver}
}

// Publish records the latest value and (re)arms the delivery timer.
func (d *Debouncer[T]) Publish(value T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.latest = value
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	value := d.latest
	d.timer = nil
	d.mu.Unlock()

	d.deliver(value)
}

// Stop cancels any pending delivery. Safe to call multiple times; Publish
// after Stop is a no-op.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
