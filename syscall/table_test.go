package syscall

import (
	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
	"twzcore/vmctx"
)

// fakeVMContext is a minimal in-memory stand-in for *vmctx.Context: a flat
// map of slot -> binding, with no real page directory table behind it, so
// these tests exercise Table's dispatch logic without vmctx's real
// hardware-dependent seams.
type fakeVMContext struct {
	nextSlot vmctx.Slot
	bindings map[vmctx.Slot]vmctx.MapInfo
}

func newFakeVMContext() *fakeVMContext {
	return &fakeVMContext{bindings: make(map[vmctx.Slot]vmctx.MapInfo)}
}

func (f *fakeVMContext) AllocSlot() (vmctx.Slot, *kernel.Error) {
	s := f.nextSlot
	f.nextSlot++
	return s, nil
}

func (f *fakeVMContext) ReleaseSlot(vmctx.Slot) {}

func (f *fakeVMContext) Map(slot vmctx.Slot, id object.ID, prot object.Protections, flags vmctx.MapFlags) *kernel.Error {
	if _, exists := f.bindings[slot]; exists {
		return vmctx.ErrSlotInUse
	}
	f.bindings[slot] = vmctx.MapInfo{Object: id, Prot: prot, Flags: flags}
	return nil
}

func (f *fakeVMContext) Unmap(slot vmctx.Slot) *kernel.Error {
	if _, exists := f.bindings[slot]; !exists {
		return vmctx.ErrSlotNotMapped
	}
	delete(f.bindings, slot)
	return nil
}

func (f *fakeVMContext) ReadMap(slot vmctx.Slot) (vmctx.MapInfo, *kernel.Error) {
	info, exists := f.bindings[slot]
	if !exists {
		return vmctx.MapInfo{}, vmctx.ErrSlotNotMapped
	}
	return info, nil
}

func (f *fakeVMContext) Resolve(addr uintptr) (id object.ID, offset uint64, ok bool) {
	return object.ID{}, 0, false
}

func (f *fakeVMContext) WatchSlot(addr uintptr, cancel func()) (stop func()) {
	return func() {}
}

func installFakeFrameAllocator() func() {
	var next mm.Frame
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		next++
		return next, nil
	})
	mm.SetFrameDeallocator(func(mm.Frame) *kernel.Error { return nil })
	return func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameDeallocator(nil)
	}
}
