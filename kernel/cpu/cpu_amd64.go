package cpu

import (
	"runtime"
	"sync/atomic"
)

var (
	cpuidFn = ID
)

var (
	// interruptsEnabled stands in for the CPU's interrupt flag. There is
	// no real IF register to flip in this hosted simulation. Only
	// EnableInterrupts, DisableInterrupts and InterruptsEnabled touch it;
	// gate dispatches interrupts whatever its value.
	interruptsEnabled uint32 = 1

	// activePDTAddr stands in for CR3: the physical address of the
	// currently active page directory table.
	activePDTAddr uint64

	// cr2 stands in for the CR2 register: the faulting address recorded
	// by the simulated MMU immediately before a page fault is dispatched.
	cr2 uint64
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 1)
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 0)
}

// InterruptsEnabled reports whether interrupts are currently enabled.
func InterruptsEnabled() bool {
	return atomic.LoadUint32(&interruptsEnabled) != 0
}

// Halt stops instruction execution. In the hosted simulation there is no
// HLT instruction to wait for the next interrupt, so Halt simply yields the
// goroutine back to the scheduler.
func Halt() {
	runtime.Gosched()
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address. The
// hosted page-table walker operates directly on the Go heap arena backing
// physical memory, so there is no separate translation cache to invalidate;
// this is a no-op kept so callers (Map, Unmap, PageDirectoryTable) do not
// need arch-specific build tags.
func FlushTLBEntry(virtAddr uintptr) {}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUint64(&activePDTAddr, uint64(pdtPhysAddr))
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return uintptr(atomic.LoadUint64(&activePDTAddr))
}

// SetCR2 records the address that triggered a simulated page fault. The
// vmm page-fault handler calls ReadCR2 to retrieve it.
func SetCR2(faultAddr uintptr) {
	atomic.StoreUint64(&cr2, uint64(faultAddr))
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 {
	return atomic.LoadUint64(&cr2)
}

// ID returns information about the CPU and its features. On real hardware
// this is a CPUID instruction with EAX=leaf; there is no portable way to
// issue one from hosted Go without cgo or architecture-specific assembly, so
// this substrate reports a fixed "GenuineIntel", no-extra-feature response
// for leaf 0 and zeroes for every other leaf. Callers that need real feature
// detection on the host should use golang.org/x/sys/cpu instead; this
// function exists only to keep IsIntel's shape intact.
func ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	if leaf == 0 {
		// "GenuineIntel" split as ebx="Genu", edx="ineI", ecx="ntel".
		return 0, 0x756e6547, 0x6c65746e, 0x49656e69
	}
	return 0, 0, 0, 0
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
