package timeutil

import (
	"sync"
	"time"
)

// Timer is a one-shot timer that runs a callback in its own goroutine on expiry.
// Unlike [time.AfterFunc], a successful [Timer.Stop] guarantees that the callback
// is not called, even if the underlying timer has already fired.
type Timer struct {
	mu       sync.Mutex
	running  bool
	callback func()
	real     *time.Timer
}

// AfterFunc starts a new timer that calls f after d.
// A negative duration is treated as zero.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{callback: f, running: true}
	t.mu.Lock()
	t.real = time.AfterFunc(max(d, 0), t.fire)
	t.mu.Unlock()
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stop prevents the timer from firing.
// It returns false if the timer has already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false
	}
	t.running = false
	t.real.Stop()
	return true
}
