// Package debounce provides a trailing edge timer for select loops.
//
//	d := debounce.New(clk, 50*time.Millisecond)
//	for {
//		select {
//		case <-input:
//			d.Trigger()
//		case <-d.C():
//			d.Fired()
//			flush()
//		}
//	}
package debounce

import (
	"time"

	"github.com/juju/clock"
)

// Timer fires once, delay after the most recent Trigger. It is owned by a
// single goroutine.
type Timer struct {
	clock clock.Clock
	delay time.Duration
	timer clock.Timer
	armed bool
}

func New(clk clock.Clock, delay time.Duration) *Timer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Timer{clock: clk, delay: delay}
}

// Immediate reports whether the timer has no delay, in which case callers
// should act right away instead of waiting on C.
func (t *Timer) Immediate() bool { return t.delay <= 0 }

// Trigger arms the timer, pushing back a pending deadline.
func (t *Timer) Trigger() {
	t.armed = true
	if t.timer == nil {
		t.timer = t.clock.NewTimer(t.delay)
		return
	}
	// Reset is only safe on a stopped and drained timer.
	if !t.timer.Stop() {
		select {
		case <-t.timer.Chan():
		default:
		}
	}
	t.timer.Reset(t.delay)
}

// C fires when the armed deadline passes. It is nil while disarmed so a
// select never picks it.
func (t *Timer) C() <-chan time.Time {
	if !t.armed {
		return nil
	}
	return t.timer.Chan()
}

// Armed reports whether a deadline is pending.
func (t *Timer) Armed() bool { return t.armed }

// Fired disarms the timer after a receive from C.
func (t *Timer) Fired() { t.armed = false }

// Stop disarms the timer.
func (t *Timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = false
}
