package monitor

import (
	"twzcore/kernel/sync"
	"twzcore/object"
	"twzcore/threadsync"
)

// ManagedThread is the monitor's bookkeeping record for a thread it spawned
// on a compartment's behalf: the kernel-assigned thread (its repr object and
// the kernel's own thread ID) plus the upcall stack, TLS region, and owning
// compartment the monitor itself allocated and must reclaim once the thread
// exits.
type ManagedThread struct {
	ID       uint64
	SuperTID uint64

	ReprHandle object.ID

	SuperStack uintptr
	SuperTLS   *TCB

	MainCompartment *Compartment
}

// ThreadManager tracks every ManagedThread the monitor has spawned and runs
// the background cleaner that reclaims each one's resources once its repr
// object reports ExecutionState == Exited.
type ThreadManager struct {
	mu      sync.Spinlock
	threads map[uint64]*ManagedThread

	reclaimFn func(*ManagedThread)

	exited chan *ManagedThread
	stop   chan struct{}
}

// NewThreadManager returns a ThreadManager whose cleaner calls reclaim on
// each thread once it has exited.
func NewThreadManager(reclaim func(*ManagedThread)) *ThreadManager {
	return &ThreadManager{
		threads:   make(map[uint64]*ManagedThread),
		reclaimFn: reclaim,
		exited:    make(chan *ManagedThread),
		stop:      make(chan struct{}),
	}
}

// Add registers a newly spawned thread and starts a watcher goroutine that
// blocks on threadsync.WaitExited (component E's thread_sync-based exit
// wait) until the thread's repr object reports ExecutionStateExited, then
// reports it to the cleaner loop. One watcher per thread, rather than the
// cleaner polling the whole set, means a thread that runs for a long time
// costs nothing beyond the one parked goroutine.
func (tm *ThreadManager) Add(mt *ManagedThread) {
	tm.mu.Acquire()
	tm.threads[mt.ID] = mt
	tm.mu.Release()

	go func() {
		// A zero timeout means wait forever, which is exactly what a
		// per-thread watcher wants: it has nothing else to do until this
		// one thread exits.
		if ok, err := threadsync.WaitExited(mt.ReprHandle, 0); err == nil && ok {
			select {
			case tm.exited <- mt:
			case <-tm.stop:
			}
		}
	}()
}

// Get returns the managed thread record for id, if any.
func (tm *ThreadManager) Get(id uint64) (*ManagedThread, bool) {
	tm.mu.Acquire()
	defer tm.mu.Release()
	mt, ok := tm.threads[id]
	return mt, ok
}

// Stop halts the cleaner loop started by RunCleaner and releases any
// watcher goroutines blocked trying to report an exit.
func (tm *ThreadManager) Stop() {
	close(tm.stop)
}

// RunCleaner drains the exited channel, reclaiming each managed thread's
// resources (its upcall stack, TLS region, and repr handle) via reclaimFn
// and dropping it from the tracked set. It is meant to run on its own
// goroutine; call Stop to end it.
func (tm *ThreadManager) RunCleaner() {
	for {
		select {
		case mt := <-tm.exited:
			tm.reclaimFn(mt)
			tm.mu.Acquire()
			delete(tm.threads, mt.ID)
			tm.mu.Release()
		case <-tm.stop:
			return
		}
	}
}
