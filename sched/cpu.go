package sched

import (
	"twzcore/kernel/sync"
	"twzcore/vmctx"
)

// classTimeslice gives each class its own round-robin quantum, in ticks.
// RealTime gets the longest slice so latency-sensitive work isn't
// repeatedly preempted to service same-priority siblings; Idle's slice is
// never actually consumed since nothing else competes with it for its own
// queue.
var classTimeslice = [numClasses]uint32{
	ClassRealTime:   20,
	ClassUser:       10,
	ClassBackground: 5,
	ClassIdle:       1,
}

// CPU is one simulated processor's scheduling state: a priority run queue
// array indexed by queue_no, the thread presently executing, and a
// reserved Idle-class thread returned whenever every real queue is empty.
type CPU struct {
	ID   uint32
	Idle *Thread

	mu      sync.Spinlock
	queues  [numQueues][]*Thread
	current *Thread
	slice   uint32
}

// NewCPU creates a CPU whose reserved idle thread runs MWAIT/HLT in place
// of any real work; idle must never itself be passed to Enqueue.
func NewCPU(id uint32, idle *Thread) *CPU {
	return &CPU{ID: id, Idle: idle}
}

// Enqueue makes t runnable on this CPU, filed under its current effective
// priority's queue.
func (c *CPU) Enqueue(t *Thread) {
	c.mu.Acquire()
	defer c.mu.Release()
	c.enqueueLocked(t)
}

func (c *CPU) enqueueLocked(t *Thread) {
	qn := t.Effective().queueNo()
	c.queues[qn] = append(c.queues[qn], t)
}

// dequeueHighestLocked pops the head of the highest-priority (lowest
// queue_no) non-empty queue.
func (c *CPU) dequeueHighestLocked() (*Thread, bool) {
	for i := 0; i < numQueues; i++ {
		if len(c.queues[i]) > 0 {
			t := c.queues[i][0]
			c.queues[i] = c.queues[i][1:]
			return t, true
		}
	}
	return nil, false
}

// Current returns the thread this CPU is presently executing, or nil if it
// has never scheduled anything yet.
func (c *CPU) Current() *Thread {
	c.mu.Acquire()
	defer c.mu.Release()
	return c.current
}

// Reschedule implements a scheduling trigger (timeslice expiry, a
// thread_sync sleep, or a reschedule IPI): if requeueCurrent is true the
// presently running thread is still runnable and is filed back onto its
// queue before the highest non-empty queue is popped; Idle runs if nothing
// else is. It returns the thread that is now current.
func (c *CPU) Reschedule(requeueCurrent bool) *Thread {
	c.mu.Acquire()
	defer c.mu.Release()

	if c.current != nil && requeueCurrent {
		c.enqueueLocked(c.current)
	}
	next, ok := c.dequeueHighestLocked()
	if !ok {
		next = c.Idle
	}
	c.current = next
	c.slice = classTimeslice[next.Effective().Class]
	vmctx.SetActiveContext(next.VMContext)
	return next
}

// Block removes the current thread from execution without requeueing it —
// the caller (thread_sync's Execute, a blocking lock) is responsible for
// Enqueue-ing it again once it becomes runnable — and reschedules.
func (c *CPU) Block() *Thread {
	c.mu.Acquire()
	c.current = nil
	c.mu.Release()
	return c.Reschedule(false)
}

// Tick consumes one timeslice tick of the current thread's quantum and
// reports whether it has just expired. The caller should follow an expiry
// with Reschedule(true).
func (c *CPU) Tick() (expired bool) {
	c.mu.Acquire()
	defer c.mu.Release()
	if c.slice == 0 {
		return true
	}
	c.slice--
	return c.slice == 0
}
