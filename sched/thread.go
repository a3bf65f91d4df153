package sched

import (
	"sync/atomic"

	"twzcore/kernel"
	"twzcore/kernel/sync"
	"twzcore/object"
	"twzcore/threadsync"
	"twzcore/vmctx"
)

// Thread is the scheduler's view of one runnable thread: a base priority,
// an optional donated priority, and the repr object whose ThreadRepr page
// (§6) records its ExecutionState and exit code for thread_sync waiters —
// most notably the monitor's cleaner thread, via threadsync.WaitExited.
type Thread struct {
	ReprID object.ID
	base   Priority

	// VMContext is the VM context this thread runs in, activated via
	// vmctx.SetActiveContext whenever a CPU switches to it. Nil for
	// kernel-only threads (e.g. a CPU's Idle thread, the kernel timeout
	// thread) that never fault against a user VM context.
	VMContext *vmctx.Context

	mu      sync.Spinlock
	donated *Priority

	cpuTicks uint64
}

// NewThread creates a Thread scheduled at base priority, backed by the
// thread repr object reprID.
func NewThread(reprID object.ID, base Priority) *Thread {
	return &Thread{ReprID: reprID, base: base}
}

// Effective returns the thread's current scheduling priority: its donated
// priority, if one is active and more urgent than its own base priority,
// otherwise its base priority. This is what a CPU's run queue files the
// thread under.
func (t *Thread) Effective() Priority {
	t.mu.Acquire()
	defer t.mu.Release()
	if t.donated != nil && t.donated.MoreUrgentThan(t.base) {
		return *t.donated
	}
	return t.base
}

// Donate records pri as a donated priority if it is more urgent than any
// donation already in effect, implementing §4.F's "a thread holds a
// resource a higher-priority waiter wants" priority-inheritance rule. It is
// the caller's responsibility (e.g. the resource's lock implementation) to
// call Donate on the holder and RemoveDonation once the resource is
// released; there is no automatic expiry.
func (t *Thread) Donate(pri Priority) {
	t.mu.Acquire()
	defer t.mu.Release()
	if t.donated == nil || pri.MoreUrgentThan(*t.donated) {
		d := pri
		t.donated = &d
	}
}

// RemoveDonation clears any donated priority, restoring the thread's base
// priority as its effective one.
func (t *Thread) RemoveDonation() {
	t.mu.Acquire()
	defer t.mu.Release()
	t.donated = nil
}

// CPUTicks reports the number of statclock samples accounted against this
// thread so far.
func (t *Thread) CPUTicks() uint64 {
	return atomic.LoadUint64(&t.cpuTicks)
}

// MarkExited publishes ExecutionStateExited and exitCode on the thread's
// repr object and wakes every thread_sync waiter parked on its State word,
// per spec.md §6's "Waitable via thread_sync on the state field" clause.
func (t *Thread) MarkExited(exitCode int64) *kernel.Error {
	if err := threadsync.WriteWord(t.ReprID, threadsync.ExitCodeOffset, uint64(exitCode)); err != nil {
		return err
	}
	if err := threadsync.WriteWord(t.ReprID, threadsync.StateOffset, uint64(threadsync.ExecutionStateExited)); err != nil {
		return err
	}
	obj, result := object.Global.Lookup(t.ReprID, 0)
	if result != object.Found {
		return nil
	}
	obj.WakeOffset(threadsync.StateOffset, ^uint32(0))
	return nil
}
