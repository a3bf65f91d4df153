package monitor

import "twzcore/kernel"

// TLSVariant selects how a thread's TLS modules are reached from its
// thread pointer. Variant 1 (used by most RISC architectures) places the
// TCB below the thread pointer and modules above it via a DTV; Variant 2
// (x86) places modules below the thread pointer directly, at fixed
// per-module offsets computed at load time.
type TLSVariant uint8

const (
	TLSVariant1 TLSVariant = iota
	TLSVariant2
)

// TCB is a thread's thread control block: the runtime bookkeeping word a
// compiled TLS access expects to find at (or adjacent to) the thread
// pointer, a dynamic thread vector indexed by TLS module ID, and a
// self-pointer so `mov %fs:0, %rax`-style accesses round-trip correctly.
type TCB struct {
	Variant TLSVariant

	// Self points back to the TCB itself; Variant 2's ABI requires word 0
	// at the thread pointer to hold this value.
	Self uintptr

	// DTV is the dynamic thread vector: DTV[moduleID] is the base address
	// of that module's per-thread copy. Index 0 is reserved (generation
	// counter slot, unused by this substrate since module sets here are
	// fixed at thread creation rather than grown via dlopen).
	DTV []uintptr

	// offsets records the per-arch offset from the thread pointer to each
	// module, computed once at allocation time so HandleFault-adjacent
	// code never needs to recompute placement per access.
	offsets map[*TLSModule]uintptr
}

var errNoTLSModule = &kernel.Error{Module: "monitor", Message: "library has no TLS module", Kind: kernel.KindArgument}

// AllocateTCB lays out a TCB for the given ordered module list (dependency
// load order, per lib.rs's "record loaded libraries for TLS purposes in
// this order") and calls copyInto once per non-nil module with the offset
// assigned to it and the module's MemSz. The template argument passed to
// copyInto is always nil; AllocateTCB does not read module templates.
func AllocateTCB(variant TLSVariant, modules []*TLSModule, copyInto func(offset uintptr, template []byte, memsz uint64) *kernel.Error) (*TCB, *kernel.Error) {
	tcb := &TCB{
		Variant: variant,
		DTV:     make([]uintptr, len(modules)+1),
		offsets: make(map[*TLSModule]uintptr),
	}

	var cursor uintptr
	switch variant {
	case TLSVariant2:
		// Modules live below the thread pointer, each aligned and packed
		// back-to-back; the last module allocated sits closest to the
		// thread pointer.
		for i := len(modules) - 1; i >= 0; i-- {
			m := modules[i]
			if m == nil {
				continue
			}
			cursor = alignUp(cursor+uintptr(m.MemSz), uintptr(m.Align))
			tcb.offsets[m] = cursor
			tcb.DTV[i+1] = cursor
			if copyInto != nil {
				if err := copyInto(cursor, nil, m.MemSz); err != nil {
					return nil, err
				}
			}
		}
	case TLSVariant1:
		// Modules live above the thread pointer in load order, reached
		// indirectly through the DTV rather than a fixed per-module
		// offset.
		for i, m := range modules {
			if m == nil {
				continue
			}
			off := cursor
			cursor = alignUp(cursor+uintptr(m.MemSz), uintptr(m.Align))
			tcb.offsets[m] = off
			tcb.DTV[i+1] = off
			if copyInto != nil {
				if err := copyInto(off, nil, m.MemSz); err != nil {
					return nil, err
				}
			}
		}
	}

	return tcb, nil
}

// OffsetOf returns the offset from the thread pointer at which m's
// per-thread copy lives, per the variant AllocateTCB laid this TCB out
// with.
func (t *TCB) OffsetOf(m *TLSModule) (uintptr, *kernel.Error) {
	off, ok := t.offsets[m]
	if !ok {
		return 0, errNoTLSModule
	}
	return off, nil
}

func alignUp(v, align uintptr) uintptr {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
