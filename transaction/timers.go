package transaction

import (
	"time"

	"github.com/sipcore/sipstack/internal/timeutil"
)

// TimerName is the name of an RFC 3261 transaction timer.
type TimerName string

const (
	TimerA TimerName = "A"
	TimerB TimerName = "B"
	TimerD TimerName = "D"
	TimerE TimerName = "E"
	TimerF TimerName = "F"
	TimerG TimerName = "G"
	TimerH TimerName = "H"
	TimerI TimerName = "I"
	TimerJ TimerName = "J"
	TimerK TimerName = "K"
	// Timer100 delays the automatic 100 Trying of server INVITE transaction.
	Timer100 TimerName = "100"
	// TimerStale terminates transactions that stay in Calling, Trying or Proceeding for too long.
	TimerStale TimerName = "stale"
)

func (n TimerName) String() string { return "timer " + string(n) }

// isTimeout reports whether expiry of the timer means that the peer never answered.
func (n TimerName) isTimeout() bool {
	return n == TimerB || n == TimerF || n == TimerH
}

type armedTimer struct {
	tmr      *timeutil.Timer
	gen      uint64
	interval time.Duration
}

// timerSet holds the timers of one transaction.
// It is owned by the transaction loop and must not be used from other goroutines.
// Expired timers only notify the loop through fire; the loop then calls expire
// to check that the notification belongs to the current arming of the timer.
type timerSet struct {
	timers map[TimerName]armedTimer
	gen    uint64
	// fire is called from the timer goroutine.
	fire func(name TimerName, gen uint64)
	// immediate is called from the loop for zero duration timers.
	immediate func(name TimerName, gen uint64)
}

func newTimerSet(fire, immediate func(TimerName, uint64)) *timerSet {
	return &timerSet{
		timers:    make(map[TimerName]armedTimer),
		fire:      fire,
		immediate: immediate,
	}
}

// start arms the timer, cancelling the previous arming with the same name.
func (ts *timerSet) start(name TimerName, d time.Duration) {
	ts.stop(name)

	ts.gen++
	gen := ts.gen
	at := armedTimer{gen: gen, interval: d}
	if d <= 0 {
		ts.timers[name] = at
		ts.immediate(name, gen)
		return
	}
	at.tmr = timeutil.AfterFunc(d, func() { ts.fire(name, gen) })
	ts.timers[name] = at
}

// stop cancels the timer. It reports whether the timer was armed.
func (ts *timerSet) stop(name TimerName) bool {
	at, ok := ts.timers[name]
	if !ok {
		return false
	}
	delete(ts.timers, name)
	at.tmr.Stop()
	return true
}

func (ts *timerSet) stopAll() {
	for name := range ts.timers {
		ts.stop(name)
	}
}

// expire consumes a firing notification.
// It returns false for a stale notification of a stopped or re-armed timer.
func (ts *timerSet) expire(name TimerName, gen uint64) (time.Duration, bool) {
	at, ok := ts.timers[name]
	if !ok || at.gen != gen {
		return 0, false
	}
	delete(ts.timers, name)
	return at.interval, true
}
