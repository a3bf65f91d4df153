// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is called after a spinner has been waiting for a while. It
	// defaults to runtime.Gosched since there is no hardware PAUSE to fall
	// back on; once the scheduler (F) is driving real thread preemption this
	// should instead donate the waiter's remaining timeslice to the lock
	// holder.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock busy-waits until it can swap state from 0 to 1. There is
// no PAUSE instruction to spin on in the hosted simulation, so after
// attemptsBeforeYielding failed attempts it calls yieldFn (runtime.Gosched in
// production) to let other goroutines make progress instead of burning a host
// CPU indefinitely.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	var attempts uint32
	for !atomic.CompareAndSwapUint32(state, 0, 1) {
		attempts++
		if attempts >= attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
