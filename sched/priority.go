// Package sched implements the per-CPU priority scheduler, its one-shot
// tick clock, and the timeout wheel timers wait on: gopheros never reaches
// the point of needing a scheduler (it runs as a single flat goroutine
// kernel), so this package is new, but it follows the teacher's own
// convention for modeling hardware state that a hosted simulation cannot
// really touch — a package-level function variable standing in for the
// bare-metal operation (arming the local APIC timer, running MWAIT/HLT),
// swappable by tests the same way kernel/cpu swaps cpuidFn.
package sched

// Class is a thread's scheduling class. Classes are ordered by urgency:
// RealTime is serviced before User, User before Background, Background
// before Idle.
type Class uint8

const (
	ClassRealTime Class = iota
	ClassUser
	ClassBackground
	ClassIdle

	numClasses
)

// String names a Class for diagnostics.
func (c Class) String() string {
	switch c {
	case ClassRealTime:
		return "RealTime"
	case ClassUser:
		return "User"
	case ClassBackground:
		return "Background"
	case ClassIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// QueuesPerClass is the number of priority-adjustment buckets within each
// class. A thread's Adjust is clamped into [0, QueuesPerClass-1] when
// selecting its run queue, per §4.F's queue_no formula.
const QueuesPerClass = 32

const numQueues = int(numClasses) * QueuesPerClass

// Priority is a thread's scheduling priority: a class plus a 16-bit
// adjustment within it. A lower Adjust is more urgent within a class (queue
// 0 of a class is always drained before queue 1), the same direction as the
// class ordering itself.
type Priority struct {
	Class  Class
	Adjust uint16
}

// queueNo computes the run queue index this priority selects:
// queue_no = class*queues_per_class + min(adjust, queues_per_class-1).
func (p Priority) queueNo() int {
	adjust := int(p.Adjust)
	if adjust > QueuesPerClass-1 {
		adjust = QueuesPerClass - 1
	}
	return int(p.Class)*QueuesPerClass + adjust
}

// MoreUrgentThan reports whether p would be serviced strictly before other —
// equivalently, whether p's queue_no is the smaller of the two.
func (p Priority) MoreUrgentThan(other Priority) bool {
	return p.queueNo() < other.queueNo()
}
