// Package integration exercises several components together end to end,
// the way a single syscall.Table caller would: creating and mapping
// objects, faulting pages in through the pager, synchronizing threads, and
// crossing compartment gates. Each scenario here corresponds to one of the
// end-to-end walkthroughs in the external interface design notes; the
// per-package _test.go files already cover each component in isolation.
package integration

import (
	"testing"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/kernel/mm/vmm"
	"twzcore/object"
	"twzcore/threadsync"
	"twzcore/vmctx"
)

// installFakeFrameAllocator registers a trivial bump allocator so AllocFrame
// never needs a real physical memory map, mirroring the pattern every
// component's own tests already use.
func installFakeFrameAllocator(t *testing.T) {
	t.Helper()
	var next mm.Frame
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		next++
		return next, nil
	})
	mm.SetFrameDeallocator(func(mm.Frame) *kernel.Error { return nil })
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameDeallocator(nil)
	})
}

// stubPDT substitutes a fake page directory table for vmctx.Context's real,
// hardware-dependent one, via the exported seam vmctx.SetPDTFns exposes for
// exactly this (the in-package equivalent is context_test.go's stubPDT,
// unreachable from outside package vmctx).
func stubPDT(t *testing.T) *fakePDTState {
	t.Helper()
	state := &fakePDTState{mapped: make(map[mm.Page]mm.Frame)}

	vmctx.SetPDTFns(
		func(*vmm.PageDirectoryTable, mm.Frame) *kernel.Error { return nil },
		func(_ *vmm.PageDirectoryTable, page mm.Page, frame mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
			state.mapped[page] = frame
			return nil
		},
		func(_ *vmm.PageDirectoryTable, page mm.Page) *kernel.Error {
			delete(state.mapped, page)
			return nil
		},
		func(*vmm.PageDirectoryTable) { state.activated++ },
	)
	return state
}

type fakePDTState struct {
	mapped    map[mm.Page]mm.Frame
	activated int
}

// installFakeReprWords substitutes threadsync's word-access seam with an
// in-memory map, standing in for the raw (ObjID, offset) memory reads and
// writes a real thread_sync call performs against an object's backing
// frames.
func installFakeReprWords(t *testing.T) {
	t.Helper()
	words := make(map[object.ID]map[uint64]uint64)
	threadsync.SetReadWordFn(func(obj *object.Object, offset uint64) (uint64, bool) {
		byOffset, ok := words[obj.ID()]
		if !ok {
			return 0, true
		}
		return byOffset[offset], true
	})
	threadsync.SetWriteWordFn(func(obj *object.Object, offset uint64, value uint64) bool {
		byOffset, ok := words[obj.ID()]
		if !ok {
			byOffset = make(map[uint64]uint64)
			words[obj.ID()] = byOffset
		}
		byOffset[offset] = value
		return true
	})
	t.Cleanup(func() {
		threadsync.SetReadWordFn(nil)
		threadsync.SetWriteWordFn(nil)
	})
}

// newRegisteredObject creates and registers a volatile object with the
// given default protections.
func newRegisteredObject(t *testing.T, id object.ID, prot object.Protections) *object.Object {
	t.Helper()
	obj := object.New(id, object.Volatile, object.Normal)
	obj.Meta.DefaultProtections = prot
	if err := object.Global.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return obj
}

// fakeMemory stands in for the physical frames this hosted simulation has
// no real backing store for: a page's bytes, keyed by the mm.Frame the fake
// allocator handed out for it. ObjectCreate's copyIntoFn and every
// scenario's own "write through a mapping" step go through it instead of
// dereferencing a frame's address directly (kernel.Memcopy's own raw
// pointer access is exercised on real hardware only, never in a hosted
// test, the same reason object_test.go in package syscall substitutes a
// fake rather than exercising defaultCopyInto).
type fakeMemory struct {
	pages map[mm.Frame][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{pages: make(map[mm.Frame][]byte)}
}

func (m *fakeMemory) copyInto(dst *object.Object, dstOffset uint64, src []byte) *kernel.Error {
	pn := object.PageNumber(dstOffset / uint64(mm.PageSize))
	frame, _, ok := dst.GetPage(pn, true)
	if !ok {
		return &kernel.Error{Module: "integration", Message: "destination page not present", Kind: kernel.KindMemory}
	}
	m.write(frame, dstOffset%uint64(mm.PageSize), src)
	return nil
}

func (m *fakeMemory) write(frame mm.Frame, offset uint64, src []byte) {
	page, ok := m.pages[frame]
	if !ok {
		page = make([]byte, mm.PageSize)
		m.pages[frame] = page
	}
	copy(page[offset:], src)
}

func (m *fakeMemory) read(frame mm.Frame, offset uint64, n int) []byte {
	out := make([]byte, n)
	if page, ok := m.pages[frame]; ok {
		copy(out, page[offset:])
	}
	return out
}
