package monitor

import (
	"testing"

	"twzcore/kernel"
)

func TestAllocateTCBVariant2PacksModulesBelowThreadPointer(t *testing.T) {
	m1 := &TLSModule{MemSz: 16, Align: 8}
	m2 := &TLSModule{MemSz: 24, Align: 8}

	var copied []uint64
	tcb, err := AllocateTCB(TLSVariant2, []*TLSModule{m1, m2}, func(offset uintptr, _ []byte, memsz uint64) *kernel.Error {
		copied = append(copied, uint64(offset))
		_ = memsz
		return nil
	})
	if err != nil {
		t.Fatalf("AllocateTCB: %v", err)
	}
	off1, err := tcb.OffsetOf(m1)
	if err != nil {
		t.Fatalf("OffsetOf(m1): %v", err)
	}
	off2, err := tcb.OffsetOf(m2)
	if err != nil {
		t.Fatalf("OffsetOf(m2): %v", err)
	}
	if off1 == 0 || off2 == 0 {
		t.Fatal("expected both modules to receive a non-zero offset from the thread pointer")
	}
	if off1 == off2 {
		t.Fatal("expected distinct offsets for distinct modules")
	}
	if len(copied) != 2 {
		t.Fatalf("expected copyInto to be called once per module, got %d", len(copied))
	}
}

func TestOffsetOfUnknownModuleIsAnError(t *testing.T) {
	tcb, err := AllocateTCB(TLSVariant1, nil, nil)
	if err != nil {
		t.Fatalf("AllocateTCB: %v", err)
	}
	if _, err := tcb.OffsetOf(&TLSModule{}); err != errNoTLSModule {
		t.Fatalf("got err %v, want errNoTLSModule", err)
	}
}

func TestAlignUpRoundsToTheRequestedAlignment(t *testing.T) {
	if got := alignUp(5, 8); got != 8 {
		t.Fatalf("got %d, want 8", got)
	}
	if got := alignUp(16, 8); got != 16 {
		t.Fatalf("got %d, want 16", got)
	}
	if got := alignUp(3, 1); got != 3 {
		t.Fatalf("got %d, want 3 (alignment of 1 is a no-op)", got)
	}
}
