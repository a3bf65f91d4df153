package vmctx

import (
	"twzcore/kernel"
	"twzcore/kernel/cpu"
	"twzcore/kernel/gate"
	"twzcore/kernel/mm"
	"twzcore/kernel/mm/vmm"
	"twzcore/object"
)

// FaultReason classifies the outcome of resolveFault: FaultResolved when a
// mapping was installed, otherwise the reason the fault was not resolved.
type FaultReason uint8

const (
	FaultResolved FaultReason = iota
	FaultNullPageAccess
	FaultOutOfBounds
	FaultSecurityViolation
	FaultNoBacking
	FaultNotMapped
)

// activeContext is the context whose page directory table is presently
// loaded. There is exactly one, mirroring cpu.ActivePDT's single global
// value: this substrate does not model independently-scheduled physical
// cores, only goroutines that take turns running with one context active
// at a time, matched by a per-goroutine CPU handle used for the TLB
// simulation (see shootdown.go).
var activeContext *Context

// SetActiveContext installs ctx as the context HandleFault resolves faults
// against, and activates its page directory table. Component F calls this
// from its context-switch path.
func SetActiveContext(ctx *Context) {
	activeContext = ctx
	if ctx != nil {
		ctx.Activate()
	}
}

// ActiveContext returns the context installed by the most recent call to
// SetActiveContext.
func ActiveContext() *Context { return activeContext }

// pagerFetchFn asks the pager for the contents of page pn of obj and
// installs it via obj.AddPage. The default implementation treats every
// object as demand-zero: a fresh zeroed frame is allocated and installed
// without consulting a pager. Component G overrides this once the pager
// protocol is wired up, by asking the real pager for pages backed by
// persistent or file-backed objects.
var pagerFetchFn = fetchZeroPage

func fetchZeroPage(obj *object.Object, pn object.PageNumber) *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	return obj.AddPage(pn, frame)
}

// SetPagerFetchFn overrides the page-fetch hook used when an object does not
// yet back the faulting page. Passing nil restores the demand-zero default.
func SetPagerFetchFn(fn func(obj *object.Object, pn object.PageNumber) *kernel.Error) {
	if fn == nil {
		pagerFetchFn = fetchZeroPage
		return
	}
	pagerFetchFn = fn
}

// InstallFaultHandler registers HandleFault as the kernel's page fault
// handler, superseding vmm's own registration (vmm.TryRecoverCopyOnWrite
// remains the fallback for faults on addresses no context slot claims,
// e.g. the kernel's own CoW-mapped heap). Call this once, after vmm.Init.
func InstallFaultHandler() {
	gate.HandleInterrupt(gate.PageFaultException, 0, HandleFault)
}

// HandleFault implements the do_page_fault dispatch: resolve the faulting
// address to a context/slot/object/page, check bounds and protections,
// obtain the backing frame (fetching it through the pager hook if absent),
// and install the mapping. Faults on addresses outside every slot's range
// fall back to vmm's own copy-on-write recovery path, which covers the
// kernel's non-object-backed mappings.
func HandleFault(regs *gate.Registers) {
	faultAddress := uintptr(cpu.ReadCR2())

	reason := resolveFault(faultAddress, regs)
	if reason == FaultResolved {
		return
	}

	if reason == FaultNotMapped {
		if recoverErr := vmm.TryRecoverCopyOnWrite(faultAddress); recoverErr == nil {
			return
		}
	}

	panic(&kernel.Error{Module: "vmctx", Message: "unrecoverable page fault", Kind: kernel.KindMemory})
}

func resolveFault(faultAddress uintptr, regs *gate.Registers) FaultReason {
	ctx := activeContext
	if ctx == nil || faultAddress < SlotsBase {
		return FaultNotMapped
	}

	slot := Slot((faultAddress - SlotsBase) / object.MaxSize)
	region, ok := ctx.regionForSlot(slot)
	if !ok {
		return FaultNullPageAccess
	}

	offset := faultAddress - slotBase(slot)
	pn := object.PageNumber(offset / mm.PageSize)
	if pn == 0 {
		return FaultNullPageAccess
	}
	if pn >= object.PagesPerObject {
		// OutOfBounds is page_no*PAGE_SIZE >= MAX_SIZE; the object's last
		// page (offset MAX_SIZE-1) is in bounds and faults in like any
		// other data page.
		return FaultOutOfBounds
	}

	writeFault := regs.Info == 2 || regs.Info == 3
	if writeFault && region.prot&object.ProtWrite == 0 {
		return FaultSecurityViolation
	}

	obj, result := object.Global.Lookup(region.obj, 0)
	if result != object.Found {
		return FaultNoBacking
	}

	frame, _, ok := obj.GetPage(pn, writeFault)
	if !ok {
		if err := pagerFetchFn(obj, pn); err != nil {
			return FaultNoBacking
		}
		frame, _, ok = obj.GetPage(pn, writeFault)
		if !ok {
			return FaultNoBacking
		}
	}

	page := mm.PageFromAddress(slotBase(slot) + uintptr(pn)*mm.PageSize)
	if err := pdtMapFn(&ctx.pdt, page, frame, protToPTEFlags(region.prot)); err != nil {
		return FaultNoBacking
	}

	return FaultResolved
}
