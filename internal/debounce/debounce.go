// Package debounce coalesces bursts of signals into one delayed action per key.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs fn(key) once a key has been quiet for the configured delay.
// Triggers arriving during the quiet period restart it.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func(key string)
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func New(delay time.Duration, fn func(key string)) *Debouncer {
	return &Debouncer{
		delay:  delay,
		fn:     fn,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger (re)starts the quiet period for key.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok {
		if t.Stop() {
			t.Reset(d.delay)
			return
		}
		// already fired; its callback is running or about to
	}
	d.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.timers[key] != t {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		d.fn(key)
	})
	d.timers[key] = t
}

// Pending reports whether key has an action waiting.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Flush runs every pending action now, on the caller's goroutine. Actions
// whose timer already fired are left to their own callback.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	var keys []string
	for key, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
			keys = append(keys, key)
			delete(d.timers, key)
		}
	}
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}
	for _, key := range keys {
		d.fn(key)
	}
}

// Stop cancels pending actions and waits for running ones. Safe to call twice.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for key, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
			delete(d.timers, key)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
