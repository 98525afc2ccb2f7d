package broadcast

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer coalesces bursts of triggers into one callback per window.
// The first trigger arms the timer; triggers while armed are absorbed.
// Used to collapse a storm of state changes into one full-list push.
type Debouncer struct {
	clk    clock.Clock
	window time.Duration
	fn     func()

	mu    sync.Mutex
	timer *clock.Timer
}

// NewDebouncer builds a debouncer firing fn at most once per window.
func NewDebouncer(clk clock.Clock, window time.Duration, fn func()) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	return &Debouncer{clk: clk, window: window, fn: fn}
}

// Trigger requests a callback. Returns true when this call armed the
// timer, false when an earlier trigger already did.
func (d *Debouncer) Trigger() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		return false
	}
	d.timer = d.clk.AfterFunc(d.window, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
	return true
}

// Stop cancels a pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
