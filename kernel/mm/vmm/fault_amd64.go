package vmm

import (
	"twzcore/kernel"
	"twzcore/kernel/gate"
	"twzcore/kernel/kfmt"
	"twzcore/kernel/mm"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. It is installed directly by installFaultHandlers
// during vmm.Init; once the VM context manager (component D) initializes, it
// re-registers gate.PageFaultException to point at its own HandleFault, which
// tries to resolve the fault against an object-backed region first and falls
// back to TryRecoverCopyOnWrite (the same logic this function uses) only for
// addresses no VM context claims.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	if recoverErr := tryRecoverCopyOnWriteFault(faultAddress); recoverErr == nil {
		// Fault recovered; retry the instruction that caused the fault.
		return
	} else if recoverErr != errNotCopyOnWrite {
		nonRecoverablePageFault(faultAddress, regs, recoverErr)
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// errNotCopyOnWrite is returned by tryRecoverCopyOnWriteFault when the
// faulting page is not a present, CoW-eligible, read-only mapping; it is not
// itself a failure, just a signal that this recovery path does not apply.
var errNotCopyOnWrite = &kernel.Error{Module: "vmm", Message: "fault is not a recoverable copy-on-write fault"}

// TryRecoverCopyOnWrite attempts to resolve a fault at faultAddress as a
// copy-on-write access to a present, read-only, CoW-flagged page: it
// allocates a fresh frame, copies the original page's contents into it, and
// installs the copy with RW permissions in place of the CoW mapping.
//
// It returns nil on success, errNotCopyOnWrite if the page at faultAddress is
// not a CoW candidate, or another *kernel.Error if recovery was attempted but
// failed (frame allocation or temporary mapping failure). Component D calls
// this as the last-resort fallback in its own fault handler for addresses
// that do not belong to any mapped VM-context region.
func TryRecoverCopyOnWrite(faultAddress uintptr) *kernel.Error {
	return tryRecoverCopyOnWriteFault(faultAddress)
}

func tryRecoverCopyOnWriteFault(faultAddress uintptr) *kernel.Error {
	var (
		faultPage = mm.PageFromAddress(faultAddress)
		pageEntry *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry == nil || pageEntry.HasFlags(FlagRW) || !pageEntry.HasFlags(FlagCopyOnWrite) {
		return errNotCopyOnWrite
	}

	copy, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	tmpPage, err := mapTemporaryFn(copy)
	if err != nil {
		return err
	}

	// Copy page contents, mark as RW and remove CoW flag
	kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	// Update mapping to point to the new frame, flag it as RW and
	// remove the CoW flag
	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(copy)
	flushTLBEntryFn(faultPage.Address())

	return nil
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	// TODO: Revisit this when user-mode tasks are implemented
	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	// TODO: Revisit this when user-mode tasks are implemented
	panic(err)
}
