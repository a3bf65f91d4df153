// Package threadsync implements the thread_sync batched Sleep/Wake syscall:
// a single call names an arbitrary list of 64-bit words, each either by
// (ObjID, offset) or by a virtual address resolved through the calling
// thread's VM context, and atomically wakes some of them and sleeps the
// caller on the rest.
//
// The wait queue each Sleep op parks on lives on the named object itself
// (object.SleepInfo), generalizing the state-word pattern kernel/sync's
// Spinlock uses for its own single spin bit into an arbitrary-capacity
// queue keyed by offset, with the busy-wait replaced by a channel-based
// park/wake.
package threadsync

import (
	"sync/atomic"
	"time"
	"unsafe"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
)

// ContextResolver is the subset of *vmctx.Context a thread_sync call needs
// to turn a virtual Reference into an object offset and to be told when
// that mapping later disappears. vmctx.Context satisfies this implicitly;
// it is spelled out here so this package's tests can supply a fake VM
// context instead of exercising vmctx's real, hardware-dependent page
// tables.
type ContextResolver interface {
	Resolve(addr uintptr) (id object.ID, offset uint64, ok bool)
	WatchSlot(addr uintptr, cancel func()) (stop func())
}

// CompareOp is the comparison a Sleep op applies to the live word.
type CompareOp uint8

const (
	// OpEqual is the only comparison currently defined.
	OpEqual CompareOp = iota
)

// SleepFlags modifies how a Sleep op's predicate is evaluated.
type SleepFlags uint8

const (
	// FlagInvert XORs the comparison result, turning Equal into NotEqual.
	FlagInvert SleepFlags = 1 << iota
)

// OpKind distinguishes the two op shapes a thread_sync call may batch.
type OpKind uint8

const (
	OpSleep OpKind = iota
	OpWake
)

// Result is the per-op outcome thread_sync reports back through Entry.
type Result uint8

const (
	// ResultPending is the zero value; an Entry still carrying it after
	// Execute returns is a bug in this package, not a valid outcome.
	ResultPending Result = iota
	// ResultReady means a Sleep's predicate was already satisfied (or a
	// Wake completed) without blocking.
	ResultReady
	// ResultWoken means a Sleep op blocked and was later woken (possibly
	// spuriously — callers must recheck their own predicate).
	ResultWoken
	// ResultTimeout means a Sleep op was still blocked when the call's
	// timeout expired.
	ResultTimeout
	// ResultInvalidReference means the op's reference could not be
	// resolved to a live object, or (for a virtual reference) its mapping
	// was torn down while the op was asleep.
	ResultInvalidReference
)

// Reference names the 64-bit word an op operates on, either directly by
// object and byte offset or by a virtual address resolved against ctx at
// call time.
type Reference struct {
	Virtual bool
	Addr    uintptr
	Obj     object.ID
	Offset  uint64
}

// Entry is one op of a thread_sync batch. Value and Flags are meaningful
// only for OpSleep; Count is meaningful only for OpWake (as an in parameter)
// and is overwritten with the number of sleepers actually woken. Result is
// an out parameter Execute fills in for every entry.
type Entry struct {
	Kind   OpKind
	Ref    Reference
	Value  uint64
	Op     CompareOp
	Flags  SleepFlags
	Count  uint32
	Result Result
}

var (
	// ErrInvalidReference is returned when a Reference cannot be resolved
	// to a live object, independent of any individual Entry.Result.
	ErrInvalidReference = &kernel.Error{Module: "threadsync", Message: "reference does not resolve to a live object", Kind: kernel.KindSync}
	// ErrTimeout is returned when the call's timeout expires with at
	// least one Sleep op still blocked.
	ErrTimeout = &kernel.Error{Module: "threadsync", Message: "thread_sync call timed out", Kind: kernel.KindSync}
)

// readWordFn reads the live 64-bit word at offset within obj. The default
// implementation dereferences the frame's physical address directly, the
// same raw-pointer style kernel.Memcopy uses; tests substitute a fake
// rather than exercise a real frame-backed address.
var readWordFn = func(obj *object.Object, offset uint64) (uint64, bool) {
	pn := object.PageNumber(offset / uint64(mm.PageSize))
	frame, _, ok := obj.GetPage(pn, false)
	if !ok {
		return 0, false
	}
	addr := frame.Address() + uintptr(offset%uint64(mm.PageSize))
	return *(*uint64)(unsafe.Pointer(addr)), true
}

// SetReadWordFn overrides readWordFn, or restores the default when fn is
// nil. Exposed for tests and for a future real memory backing to install
// its own accessor.
func SetReadWordFn(fn func(obj *object.Object, offset uint64) (uint64, bool)) {
	if fn == nil {
		readWordFn = defaultReadWordFn
		return
	}
	readWordFn = fn
}

var defaultReadWordFn = readWordFn

// writeWordFn stores a 64-bit word at offset within obj, the write-side
// counterpart of readWordFn. The scheduler uses this to publish a thread
// repr object's State/ExitCode fields before waking anyone parked on them.
var writeWordFn = func(obj *object.Object, offset uint64, value uint64) bool {
	pn := object.PageNumber(offset / uint64(mm.PageSize))
	frame, _, ok := obj.GetPage(pn, false)
	if !ok {
		return false
	}
	addr := frame.Address() + uintptr(offset%uint64(mm.PageSize))
	*(*uint64)(unsafe.Pointer(addr)) = value
	return true
}

// SetWriteWordFn overrides writeWordFn, or restores the default when fn is
// nil.
func SetWriteWordFn(fn func(obj *object.Object, offset uint64, value uint64) bool) {
	if fn == nil {
		writeWordFn = defaultWriteWordFn
		return
	}
	writeWordFn = fn
}

var defaultWriteWordFn = writeWordFn

// WriteWord publishes value at offset within the object named by id, for
// callers (the scheduler writing a thread repr's State/ExitCode) that need
// to mutate the word a Sleep op's predicate reads without going through a
// full Execute batch. It does not itself wake anyone; pair it with a Wake
// entry (or Object.WakeOffset) once the new value is visible.
func WriteWord(id object.ID, offset uint64, value uint64) *kernel.Error {
	obj, result := object.Global.Lookup(id, 0)
	if result != object.Found {
		return ErrInvalidReference
	}
	if !writeWordFn(obj, offset, value) {
		return ErrInvalidReference
	}
	return nil
}

type resolved struct {
	obj    *object.Object
	offset uint64
	err    *kernel.Error
}

func resolve(ctx ContextResolver, ref Reference) resolved {
	id, offset := ref.Obj, ref.Offset
	if ref.Virtual {
		if ctx == nil {
			return resolved{err: ErrInvalidReference}
		}
		var ok bool
		id, offset, ok = ctx.Resolve(ref.Addr)
		if !ok {
			return resolved{err: ErrInvalidReference}
		}
	}
	obj, result := object.Global.Lookup(id, 0)
	if result != object.Found {
		return resolved{err: ErrInvalidReference}
	}
	return resolved{obj: obj, offset: offset}
}

func predicateMatches(e *Entry, obj *object.Object, offset uint64) bool {
	word, ok := readWordFn(obj, offset)
	if !ok {
		return false
	}
	matched := word == e.Value
	if e.Flags&FlagInvert != 0 {
		matched = !matched
	}
	return matched
}

type waitSlot struct {
	idx       int
	ch        <-chan struct{}
	obj       *object.Object
	offset    uint64
	stopWatch func()
	// invalid is set to 1 by a WatchSlot callback just before it cancels
	// this waiter, so block() can tell an invalidation-driven wakeup on ch
	// apart from a genuine Wake op.
	invalid *int32
}

// Execute runs one thread_sync batch: every Wake op runs first, in list
// order, then each Sleep op whose sleep condition ((word == Value) XOR
// FlagInvert) is already false is marked ready, and the caller blocks on
// the remaining Sleep ops until every one of them has been woken (or had
// its virtual mapping torn down) or timeout elapses (0 means wait forever).
// A ready Sleep op does not keep the call from blocking on the others. ctx
// resolves any virtual Reference in entries; it may be nil if none are
// virtual.
//
// Execute fills in entries[i].Result (and, for Wake ops, entries[i].Count)
// and returns the number of ops that were immediately ready, i.e. did not
// need to block.
func Execute(ctx ContextResolver, entries []Entry, timeout time.Duration) (readyCount int, err *kernel.Error) {
	res := make([]resolved, len(entries))
	for i := range entries {
		res[i] = resolve(ctx, entries[i].Ref)
	}

	for i := range entries {
		if entries[i].Kind != OpWake {
			continue
		}
		if res[i].err != nil {
			entries[i].Result = ResultInvalidReference
			continue
		}
		entries[i].Count = res[i].obj.WakeOffset(res[i].offset, entries[i].Count)
		entries[i].Result = ResultReady
	}

	var waiting []waitSlot
	hasSleepOp := false
	for i := range entries {
		if entries[i].Kind != OpSleep {
			continue
		}
		hasSleepOp = true
		if res[i].err != nil {
			entries[i].Result = ResultInvalidReference
			continue
		}
		e, r := &entries[i], res[i]
		ch, ready := r.obj.EnqueueOrReady(r.offset, func() bool {
			return !predicateMatches(e, r.obj, r.offset)
		})
		if ready {
			e.Result = ResultReady
			continue
		}

		slot := waitSlot{idx: i, ch: ch, obj: r.obj, offset: r.offset}
		if e.Ref.Virtual && ctx != nil {
			obj, offset := r.obj, r.offset
			invalid := new(int32)
			slot.invalid = invalid
			slot.stopWatch = ctx.WatchSlot(e.Ref.Addr, func() {
				atomic.StoreInt32(invalid, 1)
				obj.CancelWaiter(offset, ch)
			})
		}
		waiting = append(waiting, slot)
	}

	readyCount = 0
	for i := range entries {
		if entries[i].Result == ResultReady {
			readyCount++
		}
	}

	if len(waiting) == 0 {
		if timeout > 0 && !hasSleepOp {
			<-time.After(timeout)
		}
		return readyCount, nil
	}

	return readyCount, block(entries, waiting, timeout)
}

// block waits until every one of waiting's channels has fired, or until
// timeout elapses, marking every Entry.Result accordingly before returning.
func block(entries []Entry, waiting []waitSlot, timeout time.Duration) *kernel.Error {
	byIdx := make(map[int]waitSlot, len(waiting))
	done := make(chan int, len(waiting))
	for _, w := range waiting {
		byIdx[w.idx] = w
		w := w
		go func() { <-w.ch; done <- w.idx }()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	remaining := len(waiting)
	for remaining > 0 {
		select {
		case idx := <-done:
			w := byIdx[idx]
			if w.invalid != nil && atomic.LoadInt32(w.invalid) == 1 {
				entries[idx].Result = ResultInvalidReference
			} else {
				entries[idx].Result = ResultWoken
			}
			if w.stopWatch != nil {
				w.stopWatch()
			}
			remaining--
		case <-timeoutCh:
			for _, w := range waiting {
				if entries[w.idx].Result != ResultPending {
					continue
				}
				w.obj.CancelWaiter(w.offset, w.ch)
				if w.stopWatch != nil {
					w.stopWatch()
				}
				entries[w.idx].Result = ResultTimeout
			}
			return ErrTimeout
		}
	}
	return nil
}
