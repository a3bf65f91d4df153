// Package syscall exposes the dispatchable operations of the core
// substrate as methods on a single type, Table, rather than a numbered
// entry point dispatching through a giant switch statement. Each method is
// a thin typed wrapper over the lower-level subsystem call that does the
// real work (vmctx.Context.Map, threadsync.Execute, sched.Scheduler.Enqueue,
// ...), the same habit gopheros itself follows for its own entry points
// (vmm.Init, allocator.Init) rather than routing everything through one
// dispatcher function.
package syscall

import (
	"io"
	"sync/atomic"

	"twzcore/kernel"
	"twzcore/monitor"
	"twzcore/object"
	"twzcore/sched"
	"twzcore/vmctx"
)

// VMContext is the subset of *vmctx.Context the syscall table needs:
// binding/reading/tearing down slot mappings plus the virtual-reference
// resolution threadsync.ContextResolver already names. Spelling it out as
// an interface, rather than taking a concrete *vmctx.Context, follows the
// same reasoning threadsync's own ContextResolver does — this package's
// tests exercise ObjectMap/ObjectUnmap/ThreadSync against a fake instead of
// vmctx's real, hardware-dependent page tables; *vmctx.Context satisfies it
// structurally with no changes on its side beyond the AllocSlot/ReleaseSlot
// pair added alongside this package.
type VMContext interface {
	AllocSlot() (vmctx.Slot, *kernel.Error)
	ReleaseSlot(slot vmctx.Slot)
	Map(slot vmctx.Slot, id object.ID, prot object.Protections, flags vmctx.MapFlags) *kernel.Error
	Unmap(slot vmctx.Slot) *kernel.Error
	ReadMap(slot vmctx.Slot) (vmctx.MapInfo, *kernel.Error)
	Resolve(addr uintptr) (id object.ID, offset uint64, ok bool)
	WatchSlot(addr uintptr, cancel func()) (stop func())
}

// Table is the caller-facing surface a running thread issues calls
// through. One Table is bound to a single calling thread's VM context;
// a multi-threaded caller constructs one Table per thread, sharing the
// same Scheduler and Threads underneath.
type Table struct {
	Context   VMContext
	Scheduler *sched.Scheduler
	Threads   *monitor.ThreadManager

	// Console receives KernelConsoleWrite's bytes. A nil Console makes
	// KernelConsoleWrite a no-op rather than a panic, since a headless
	// caller may have nothing to write to.
	Console io.Writer

	// kactionFn handles device-specific KactionCmd requests; this table has
	// no built-in device model of its own, it only dispatches to whatever
	// SetKactionHandler installed.
	kactionFn func(cmd KactionCmd, id object.ID, arg, arg2 uint64) (KactionValue, *kernel.Error)

	// copyIntoFn writes src into dst at dstOffset, the same seam
	// monitor.Context uses for its own ELF segment materialization; tests
	// substitute a fake rather than exercise a real frame-backed address.
	copyIntoFn func(dst *object.Object, dstOffset uint64, src []byte) *kernel.Error
}

// NewTable returns a Table bound to ctx, filing Spawn'd threads onto
// scheduler's run queues. threads is stored in the Threads field; Spawn
// does not register threads with it.
func NewTable(ctx VMContext, scheduler *sched.Scheduler, threads *monitor.ThreadManager) *Table {
	return &Table{
		Context:    ctx,
		Scheduler:  scheduler,
		Threads:    threads,
		copyIntoFn: defaultCopyInto,
	}
}

// SetCopyIntoFn overrides the byte-copy seam used by ObjectCreate's source
// argument, or restores the default when fn is nil.
func (t *Table) SetCopyIntoFn(fn func(dst *object.Object, dstOffset uint64, src []byte) *kernel.Error) {
	if fn == nil {
		t.copyIntoFn = defaultCopyInto
		return
	}
	t.copyIntoFn = fn
}

// SetKactionHandler installs the handler Kaction dispatches to.
func (t *Table) SetKactionHandler(fn func(cmd KactionCmd, id object.ID, arg, arg2 uint64) (KactionValue, *kernel.Error)) {
	t.kactionFn = fn
}

// idCounter mints fresh volatile IDs, process-wide rather than per-Table,
// so two tables (e.g. one per calling thread) never mint the same ID for
// object.Global.Register to collide on. A real deployment would draw IDs
// from a cluster-wide allocator instead.
var idCounter uint64

// nextObjectID mints a fresh, process-unique volatile ID.
func (t *Table) nextObjectID() object.ID {
	n := atomic.AddUint64(&idCounter, 1)
	return object.ID{Hi: 0, Lo: n}
}
