package object

import "twzcore/kernel/sync"

// waiter is one thread parked on a particular offset of an object's
// SleepInfo. ch is woken by a single close-free send so a spurious extra
// Wake targeting an already-woken waiter is harmless (the send is
// non-blocking and simply dropped).
type waiter struct {
	ch chan struct{}
}

// SleepInfo is the per-object wait-queue table a thread_sync Sleep op
// enqueues on, keyed by the byte offset of the word being waited on.
// Multiple offsets are independent; waking one never touches another.
type SleepInfo struct {
	mu      sync.Spinlock
	waiters map[uint64][]*waiter
}

func (o *Object) sleepInfo() *SleepInfo {
	return o.sleep
}

// EnqueueOrReady evaluates ready (which must read the live word and apply
// the caller's comparison) and, if it reports false, registers a waiter for
// offset before releasing the lock — the check and the enqueue happen
// atomically with respect to a concurrent WakeOffset, so a wake that races
// with a sleep can never be lost. It returns the channel to wait on along
// with ready's result; callers must not wait on the channel when ready is
// true (nothing will ever be enqueued for such a call).
func (o *Object) EnqueueOrReady(offset uint64, ready func() bool) (ch <-chan struct{}, immediatelyReady bool) {
	info := o.sleepInfo()
	info.mu.Acquire()
	defer info.mu.Release()

	if ready() {
		return nil, true
	}
	w := &waiter{ch: make(chan struct{}, 1)}
	info.waiters[offset] = append(info.waiters[offset], w)
	return w.ch, false
}

// CancelWaiter removes a waiter previously returned by EnqueueOrReady from
// offset's queue and signals its channel, used when a thread_sync call
// times out or a virtual reference's mapping is torn down mid-sleep — the
// caller parked on ch must observe completion either way, it is up to it
// to tell a real wake apart from a cancellation (e.g. via its own
// out-of-band flag). It is a no-op if the waiter has already been woken
// and removed by WakeOffset.
func (o *Object) CancelWaiter(offset uint64, ch <-chan struct{}) {
	info := o.sleepInfo()
	info.mu.Acquire()
	defer info.mu.Release()

	waiters := info.waiters[offset]
	for i, w := range waiters {
		if w.ch == ch {
			info.waiters[offset] = append(waiters[:i], waiters[i+1:]...)
			w.ch <- struct{}{}
			return
		}
	}
}

// WakeOffset wakes up to count waiters parked on offset, in FIFO order, and
// reports how many were actually woken (which may be fewer than count, or
// zero, if nothing is sleeping there).
func (o *Object) WakeOffset(offset uint64, count uint32) uint32 {
	info := o.sleepInfo()
	info.mu.Acquire()
	defer info.mu.Release()

	waiters := info.waiters[offset]
	n := uint32(len(waiters))
	if n > count {
		n = count
	}
	for i := uint32(0); i < n; i++ {
		waiters[i].ch <- struct{}{}
	}
	remaining := waiters[n:]
	if len(remaining) == 0 {
		delete(info.waiters, offset)
	} else {
		info.waiters[offset] = remaining
	}
	return n
}
