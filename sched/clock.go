package sched

import (
	"time"

	"twzcore/kernel/sync"
)

// TickPeriod is the duration one scheduler tick represents.
const TickPeriod = time.Millisecond

// StatclockHz is the frequency at which each CPU samples its running
// thread for CPU-time accounting (§4.F), independent of the reschedule
// tick — a long RealTime timeslice still accumulates accounting samples at
// the usual rate rather than only at timeslice boundaries.
const StatclockHz = 127

// armFn installs the next one-shot hardware timer interrupt, standing in
// for reprogramming the local APIC timer deadline. There is no real APIC to
// program in this hosted simulation, so the default arms a time.Timer;
// tests substitute a fake that records the requested delay instead of
// actually waiting it out, the same seam kernel/cpu uses for cpuidFn.
var armFn = func(d time.Duration, fire func()) (cancel func()) {
	timer := time.AfterFunc(d, fire)
	return func() { timer.Stop() }
}

var defaultArmFn = armFn

// SetArmFn overrides armFn, or restores the default when fn is nil.
func SetArmFn(fn func(d time.Duration, fire func()) (cancel func())) {
	if fn == nil {
		armFn = defaultArmFn
		return
	}
	armFn = fn
}

// Clock is a CPU's one-shot tick source. Rather than an interrupt firing on
// every tick, the next interrupt is always scheduled for
// min(sched_next_tick, timeouts.next_ready_ticks) per §4.F; after each fire
// both sources are polled again and the next deadline rearmed.
type Clock struct {
	mu            sync.Spinlock
	ticks         uint64
	schedNextTick uint64
	wheel         *TimeoutWheel
	cancel        func()
}

// NewClock creates a Clock driving wheel's hard pointer.
func NewClock(wheel *TimeoutWheel) *Clock {
	return &Clock{wheel: wheel}
}

// Ticks reports the clock's current absolute tick count.
func (c *Clock) Ticks() uint64 {
	c.mu.Acquire()
	defer c.mu.Release()
	return c.ticks
}

// SetSchedNextTick records the absolute tick at which the scheduler's own
// timeslice-expiry interrupt is next due.
func (c *Clock) SetSchedNextTick(tick uint64) {
	c.mu.Acquire()
	defer c.mu.Release()
	c.schedNextTick = tick
}

// NextDeadline returns min(schedNextTick, wheel.NextReadyTicks()), the
// absolute tick the one-shot timer should next fire at.
func (c *Clock) NextDeadline() uint64 {
	c.mu.Acquire()
	deadline := c.schedNextTick
	c.mu.Release()
	if w, ok := c.wheel.NextReadyTicks(); ok && w < deadline {
		deadline = w
	}
	return deadline
}

// AdvanceTo simulates the one-shot timer firing at deadline: it advances
// the clock's own tick count to deadline and the timeout wheel's hard
// pointer by the elapsed delta, reporting whether any bucket passed over
// holds due entries. Both production's real timer callback and a test
// driving ticks directly call this identically.
func (c *Clock) AdvanceTo(deadline uint64) (wheelDue bool) {
	c.mu.Acquire()
	delta := deadline - c.ticks
	c.ticks = deadline
	c.mu.Release()
	return c.wheel.Advance(delta)
}

// ArmNext (re)arms the one-shot timer for NextDeadline ticks from now,
// cancelling any timer already armed. onFire is invoked once it fires, with
// the new tick count and whether the timeout wheel has entries due — the
// caller is expected to reschedule (if it was a timeslice expiry) and/or
// signal the kernel timeout thread (if wheelDue), then call ArmNext again.
func (c *Clock) ArmNext(onFire func(ticks uint64, wheelDue bool)) {
	c.mu.Acquire()
	if c.cancel != nil {
		c.cancel()
	}
	deadline := c.schedNextTick
	if w, ok := c.wheel.NextReadyTicks(); ok && w < deadline {
		deadline = w
	}
	now := c.ticks
	var delay time.Duration
	if deadline > now {
		delay = time.Duration(deadline-now) * TickPeriod
	}
	c.cancel = armFn(delay, func() {
		due := c.AdvanceTo(deadline)
		onFire(deadline, due)
	})
	c.mu.Release()
}

// Stop cancels any timer currently armed.
func (c *Clock) Stop() {
	c.mu.Acquire()
	defer c.mu.Release()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
