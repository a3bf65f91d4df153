package sched

import "sync/atomic"

// Statclock samples a CPU's currently running thread at StatclockHz to
// accumulate its CPU-time accounting, decoupled from the reschedule tick
// per §4.F ("this is decoupled from the reschedule tick").
type Statclock struct {
	samples uint64
}

// Sample records one statclock tick against t (nil if the CPU is idle).
func (s *Statclock) Sample(t *Thread) {
	atomic.AddUint64(&s.samples, 1)
	if t != nil {
		atomic.AddUint64(&t.cpuTicks, 1)
	}
}

// Samples reports the total number of statclock ticks this Statclock has
// recorded, across every thread it has sampled.
func (s *Statclock) Samples() uint64 {
	return atomic.LoadUint64(&s.samples)
}
