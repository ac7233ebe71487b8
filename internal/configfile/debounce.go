package configfile

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single action after a
// quiet period. Safe for concurrent use.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64 // invalidates timers superseded by a later trigger
	wg       sync.WaitGroup
}

// NewDebouncer returns a debouncer that runs action once the duration
// has elapsed without a further trigger.
func NewDebouncer(duration time.Duration, action func()) *Debouncer {
	return &Debouncer{duration: duration, action: action}
}

// Trigger arms (or re-arms) the timer. Only the latest trigger fires.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	d.seq++
	seq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		// Run the action unlocked so a panic inside it cannot leave the
		// debouncer wedged.
		d.mu.Unlock()

		d.action()
	})
}

// Cancel drops any pending action. It does not wait for an action that
// is already running.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
	d.seq++
}

// CancelAndWait drops any pending action and blocks until in-flight
// actions finish. For shutdown paths.
func (d *Debouncer) CancelAndWait() {
	d.Cancel()
	d.wg.Wait()
}
