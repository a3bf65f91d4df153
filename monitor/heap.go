package monitor

import (
	"twzcore/kernel"
	"twzcore/kernel/sync"
	"twzcore/object"
	"twzcore/vmctx"
)

// spanReserve bounds how many (slot, ObjID) pairs the OOM handler can record
// without itself allocating, so growing the heap during an out-of-memory
// condition never needs the allocator it is trying to grow. Sized well
// beyond any realistic single monitor process's object-backed span count.
const spanReserve = 64

// span records one object-backed extension of the heap: which VM context
// slot it was mapped into and the volatile object backing it, so Heap can
// walk its own growth history without any dynamic allocation.
type span struct {
	slot Slot
	obj  object.ID
}

// Slot is a type alias for vmctx.Slot, so the slots Heap's mapFn returns are
// the same type vmctx uses.
type Slot = vmctx.Slot

// Heap is a simple bump allocator over a sequence of object-backed spans,
// each obtained on demand from an OOM handler that creates a new volatile
// object, maps it read/write, and hands the span to the allocator — the
// talc pattern of keeping the allocator itself free of any dependency on a
// general-purpose heap to grow.
type Heap struct {
	mu sync.Spinlock

	mapFn    func(obj object.ID) (Slot, *kernel.Error)
	spanSize uint64

	spans    [spanReserve]span
	nSpans   int
	cursor   uint64 // bump offset within the current (last) span
	spanBase uint64
}

var errHeapOOM = &kernel.Error{Module: "monitor", Message: "heap exhausted its preallocated span reserve", Kind: kernel.KindCapacity}

// NewHeap returns an empty Heap that grows by spanSize bytes at a time, each
// increment backed by a freshly created volatile object mapped via mapFn.
func NewHeap(spanSize uint64, mapFn func(obj object.ID) (Slot, *kernel.Error)) *Heap {
	return &Heap{mapFn: mapFn, spanSize: spanSize}
}

// Alloc returns size bytes, aligned to align, growing the heap by one more
// object-backed span via the OOM handler if the current span cannot satisfy
// the request.
func (h *Heap) Alloc(size uint64, align uint64) (uintptr, *kernel.Error) {
	h.mu.Acquire()
	defer h.mu.Release()

	if h.nSpans == 0 {
		if err := h.growLocked(); err != nil {
			return 0, err
		}
	}

	aligned := alignUp64(h.cursor, align)
	if aligned+size > h.spanSize {
		if err := h.growLocked(); err != nil {
			return 0, err
		}
		aligned = alignUp64(h.cursor, align)
	}

	addr := h.spanBase + aligned
	h.cursor = aligned + size
	return uintptr(addr), nil
}

// growLocked implements the OOM handler: create a new volatile object, map
// it read/write via mapFn, and record the span in the preallocated vector
// so no allocation is needed to track it. Called with mu held.
func (h *Heap) growLocked() *kernel.Error {
	if h.nSpans >= spanReserve {
		return errHeapOOM
	}

	id := nextObjectID()
	obj := object.New(id, object.Volatile, object.Normal)
	if err := object.Global.Register(obj); err != nil {
		return err
	}

	slot, err := h.mapFn(id)
	if err != nil {
		return err
	}

	h.spans[h.nSpans] = span{slot: slot, obj: id}
	h.nSpans++
	h.spanBase = uint64(vmctx.SlotsBase) + uint64(slot)*uint64(object.MaxSize)
	h.cursor = 0
	return nil
}

func alignUp64(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
