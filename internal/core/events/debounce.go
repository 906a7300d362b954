package events

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into one published event
// after delay. A zero delay publishes on every Trigger.
type Debouncer struct {
	bus   *Bus
	delay time.Duration
	event Event

	mu    sync.Mutex
	timer *time.Timer
}

func NewDebouncer(bus *Bus, delay time.Duration, e Event) *Debouncer {
	return &Debouncer{bus: bus, delay: delay, event: e}
}

func (d *Debouncer) Trigger() {
	if d.delay <= 0 {
		d.bus.Publish(d.event)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		d.bus.Publish(d.event)
	})
}

// Stop drops a pending publish.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
