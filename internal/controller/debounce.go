package controller

import (
	"sync"
	"time"
)

// Debouncer runs only the last of a burst of calls, once the delay has
// passed without a newer one.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Debounce schedules fn and drops whatever was pending.
func (d *Debouncer) Debounce(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.timer = time.AfterFunc(d.delay, fn)
}

// Cancel drops the pending call. It is a no-op when nothing is pending.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Debouncer) stopLocked() {
	if d.timer == nil {
		return
	}
	d.timer.Stop()
	d.timer = nil
}
