package vmctx

import (
	"testing"

	"twzcore/kernel"
	"twzcore/kernel/gate"
	"twzcore/kernel/mm"
	"twzcore/object"
)

func TestResolveFaultDemandZeroFillsAnonymousPage(t *testing.T) {
	installFakeFrameAllocator(t)
	state := stubPDT(t)

	id := object.ID{Hi: 2, Lo: 1}
	newTestObject(t, id, object.ProtRead|object.ProtWrite)

	ctx, err := NewContext(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slot, _ := ctx.slots.AllocSingle()
	if err := ctx.Map(slot, id, object.ProtRead|object.ProtWrite, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	SetActiveContext(ctx)
	t.Cleanup(func() { SetActiveContext(nil) })

	faultAddr := slotBase(slot) + mm.PageSize // page 1, not the NULL page
	reason := resolveFault(faultAddr, &gate.Registers{Info: 0})
	if reason != FaultResolved {
		t.Fatalf("expected FaultResolved, got %v", reason)
	}

	page := mm.PageFromAddress(faultAddr)
	if _, ok := state.mapped[page]; !ok {
		t.Fatal("expected the fault to have installed a page directory entry")
	}
}

func TestResolveFaultNullPageAccess(t *testing.T) {
	installFakeFrameAllocator(t)
	stubPDT(t)

	id := object.ID{Hi: 2, Lo: 2}
	newTestObject(t, id, object.ProtRead)

	ctx, _ := NewContext(4)
	slot, _ := ctx.slots.AllocSingle()
	_ = ctx.Map(slot, id, object.ProtRead, 0)
	SetActiveContext(ctx)
	t.Cleanup(func() { SetActiveContext(nil) })

	if reason := resolveFault(slotBase(slot), &gate.Registers{}); reason != FaultNullPageAccess {
		t.Fatalf("expected FaultNullPageAccess, got %v", reason)
	}
}

// TestResolveFaultLastPageOfObjectSucceeds confirms a fault at the last
// byte of an object's address range (offset MAX_SIZE-1) resolves like any
// other data page rather than being rejected as out of bounds: OutOfBounds
// is page_no*PAGE_SIZE >= MAX_SIZE, which the object's last page never
// satisfies.
func TestResolveFaultLastPageOfObjectSucceeds(t *testing.T) {
	installFakeFrameAllocator(t)
	state := stubPDT(t)

	id := object.ID{Hi: 2, Lo: 3}
	newTestObject(t, id, object.ProtRead)

	ctx, _ := NewContext(4)
	slot, _ := ctx.slots.AllocSingle()
	_ = ctx.Map(slot, id, object.ProtRead, 0)
	SetActiveContext(ctx)
	t.Cleanup(func() { SetActiveContext(nil) })

	lastByteAddr := slotBase(slot) + uintptr(object.MaxSize) - 1
	reason := resolveFault(lastByteAddr, &gate.Registers{})
	if reason != FaultResolved {
		t.Fatalf("expected FaultResolved, got %v", reason)
	}

	page := mm.PageFromAddress(lastByteAddr)
	if _, ok := state.mapped[page]; !ok {
		t.Fatal("expected the fault to have installed a page directory entry for the last page")
	}
}

func TestResolveFaultSecurityViolationOnReadOnlySlot(t *testing.T) {
	installFakeFrameAllocator(t)
	stubPDT(t)

	id := object.ID{Hi: 2, Lo: 4}
	newTestObject(t, id, object.ProtRead|object.ProtWrite)

	ctx, _ := NewContext(4)
	slot, _ := ctx.slots.AllocSingle()
	if err := ctx.Map(slot, id, object.ProtRead, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	SetActiveContext(ctx)
	t.Cleanup(func() { SetActiveContext(nil) })

	writeFaultAddr := slotBase(slot) + mm.PageSize
	if reason := resolveFault(writeFaultAddr, &gate.Registers{Info: 3}); reason != FaultSecurityViolation {
		t.Fatalf("expected FaultSecurityViolation, got %v", reason)
	}
}

func TestResolveFaultNotMappedFallsThroughForNonSlotAddress(t *testing.T) {
	installFakeFrameAllocator(t)
	stubPDT(t)

	ctx, _ := NewContext(4)
	SetActiveContext(ctx)
	t.Cleanup(func() { SetActiveContext(nil) })

	if reason := resolveFault(SlotsBase-mm.PageSize, &gate.Registers{}); reason != FaultNotMapped {
		t.Fatalf("expected FaultNotMapped, got %v", reason)
	}
}

func TestResolveFaultUsesPagerFetchHookWhenInstalled(t *testing.T) {
	installFakeFrameAllocator(t)
	stubPDT(t)

	id := object.ID{Hi: 2, Lo: 5}
	newTestObject(t, id, object.ProtRead)

	ctx, _ := NewContext(4)
	slot, _ := ctx.slots.AllocSingle()
	_ = ctx.Map(slot, id, object.ProtRead, 0)
	SetActiveContext(ctx)
	t.Cleanup(func() { SetActiveContext(nil) })

	var fetchedPages []object.PageNumber
	SetPagerFetchFn(func(obj *object.Object, pn object.PageNumber) *kernel.Error {
		fetchedPages = append(fetchedPages, pn)
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		return obj.AddPage(pn, frame)
	})
	t.Cleanup(func() { SetPagerFetchFn(nil) })

	reason := resolveFault(slotBase(slot)+mm.PageSize, &gate.Registers{})
	if reason != FaultResolved {
		t.Fatalf("expected FaultResolved, got %v", reason)
	}
	if len(fetchedPages) != 1 || fetchedPages[0] != 1 {
		t.Fatalf("expected page 1 to have been fetched via the pager hook; got %v", fetchedPages)
	}
}
