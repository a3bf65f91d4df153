package vmctx

import (
	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/kernel/mm/vmm"
	"twzcore/kernel/sync"
	"twzcore/object"
)

// SlotsBase is the virtual address at which slot 0 of every context begins.
// Slot n spans [SlotsBase+n*object.MaxSize, SlotsBase+(n+1)*object.MaxSize).
// Every context maps the same slot number to the same virtual range; what
// differs between contexts is which object (if any) backs that slot in
// their own page directory table.
const SlotsBase = uintptr(0x0000_1000_0000_0000)

// The following function variables wrap the vmm.PageDirectoryTable methods
// that actually touch page tables. They exist so tests can substitute a
// fake page directory table instead of exercising vmm's real,
// hardware-dependent recursive page-table walk (the same seam pattern vmm
// itself uses internally for mapFn/unmapFn/activePDTFn).
var (
	pdtInitFn     = func(pdt *vmm.PageDirectoryTable, frame mm.Frame) *kernel.Error { return pdt.Init(frame) }
	pdtMapFn      = func(pdt *vmm.PageDirectoryTable, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}
	pdtUnmapFn    = func(pdt *vmm.PageDirectoryTable, page mm.Page) *kernel.Error { return pdt.Unmap(page) }
	pdtActivateFn = func(pdt *vmm.PageDirectoryTable) { pdt.Activate() }
)

// SetPDTFns overrides the four page-directory-table seams Map, Unmap,
// Activate, and NewContext's Init call go through, for callers outside this
// package (e.g. an end-to-end test exercising several components together)
// that need the same substitution context_test.go's stubPDT makes for this
// package's own tests. Passing nil for any argument leaves that seam
// unchanged; there is no single-call way to restore every default, since
// the real implementations close over unexported vmm types.
func SetPDTFns(
	initFn func(pdt *vmm.PageDirectoryTable, frame mm.Frame) *kernel.Error,
	mapFn func(pdt *vmm.PageDirectoryTable, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error,
	unmapFn func(pdt *vmm.PageDirectoryTable, page mm.Page) *kernel.Error,
	activateFn func(pdt *vmm.PageDirectoryTable),
) {
	if initFn != nil {
		pdtInitFn = initFn
	}
	if mapFn != nil {
		pdtMapFn = mapFn
	}
	if unmapFn != nil {
		pdtUnmapFn = unmapFn
	}
	if activateFn != nil {
		pdtActivateFn = activateFn
	}
}

// MapFlags modifies how a slot's mapping behaves.
type MapFlags uint8

const (
	// MapStatic pages are faulted in eagerly rather than lazily; used for
	// the kernel's own always-resident slots.
	MapStatic MapFlags = 1 << iota
)

// MapInfo describes the binding currently installed in a slot, as returned
// by Context.ReadMap.
type MapInfo struct {
	Object object.ID
	Prot   object.Protections
	Flags  MapFlags
}

var (
	// ErrSlotInUse is returned by Map when the target slot already has a
	// binding.
	ErrSlotInUse = &kernel.Error{Module: "vmctx", Message: "slot already has a mapping", Kind: kernel.KindName}
	// ErrInvalidSlot is returned when a slot index lies outside the range
	// this context's SlotAllocator manages.
	ErrInvalidSlot = &kernel.Error{Module: "vmctx", Message: "slot is outside the context's slot range", Kind: kernel.KindArgument}
	// ErrInvalidProtections is returned when prot requests an access kind
	// the object does not permit by default.
	ErrInvalidProtections = &kernel.Error{Module: "vmctx", Message: "requested protections exceed the object's default protections", Kind: kernel.KindArgument}
	// ErrObjectNotFound is returned when Map names an ID that Lookup
	// cannot currently resolve to a live object.
	ErrObjectNotFound = &kernel.Error{Module: "vmctx", Message: "object not found", Kind: kernel.KindName}
	// ErrSlotNotMapped is returned by Unmap/ReadMap for a slot with no
	// current binding.
	ErrSlotNotMapped = &kernel.Error{Module: "vmctx", Message: "slot has no mapping", Kind: kernel.KindArgument}
)

type regionEntry struct {
	obj   object.ID
	prot  object.Protections
	flags MapFlags
}

// Context is a VM context: a per-address-space table of slot bindings plus
// the page directory table that realizes them. It implements
// object.Invalidator so objects can fan invalidation out to every context
// that maps them, and registers itself with object.Contexts at
// construction so that fan-out survives the context outliving any direct
// reference an Object holds to it (the weak reference described in design
// note "Arena + index").
type Context struct {
	ctxID object.ContextID

	pdt      vmm.PageDirectoryTable
	pdtFrame mm.Frame

	slots *SlotAllocator

	mu     sync.Spinlock
	bySlot map[Slot]*regionEntry

	cpuMu sync.Spinlock
	cpus  map[uint32]*CPU

	vwMu      sync.Spinlock
	vwatchers map[Slot][]*vwatch
}

// vwatch is a single pending cancellation registered via WatchSlot. cancel
// is cleared (not removed from the slice) by the stop closure WatchSlot
// returns, so notifyWatchers never races with a caller that already
// unsubscribed.
type vwatch struct {
	cancel func()
}

// NewContext allocates a fresh page directory table and a context with
// numSlots addressable slots, and registers it with the process-wide
// context arena.
func NewContext(numSlots uint32) (*Context, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	c := &Context{
		pdtFrame: frame,
		slots:    NewSlotAllocator(numSlots),
		bySlot:   make(map[Slot]*regionEntry),
		cpus:     make(map[uint32]*CPU),
	}
	if err := pdtInitFn(&c.pdt, frame); err != nil {
		mm.FreeFrame(frame)
		return nil, err
	}
	c.ctxID = object.Contexts.Register(c)
	return c, nil
}

// ContextID implements object.Invalidator.
func (c *Context) ContextID() object.ContextID { return c.ctxID }

// Activate installs this context's page directory table as the active one.
// Component F calls this on every context switch.
func (c *Context) Activate() {
	pdtActivateFn(&c.pdt)
}

// Destroy unregisters the context from the object arena and releases its
// page directory frame. The caller must have already unmapped every slot
// (each live object mapping holds a reference via AddContext/RemoveContext
// that would otherwise leak).
func (c *Context) Destroy() {
	object.Contexts.Unregister(c.ctxID)
	mm.FreeFrame(c.pdtFrame)
}

func slotBase(slot Slot) uintptr {
	return SlotsBase + uintptr(slot)*object.MaxSize
}

// AllocSlot reserves and returns a single free slot from this context's
// slot allocator, for callers (the syscall layer's ObjectMap) that ask to
// map an object without naming a specific slot themselves.
func (c *Context) AllocSlot() (Slot, *kernel.Error) {
	return c.slots.AllocSingle()
}

// ReleaseSlot returns a slot obtained from AllocSlot to the free list. The
// caller must already have Unmapped it.
func (c *Context) ReleaseSlot(slot Slot) {
	c.slots.ReleaseSingle(slot)
}

// AllocPair reserves a whole, adjacent slot pair from this context's slot
// allocator.
func (c *Context) AllocPair() (lo, hi Slot, err *kernel.Error) {
	return c.slots.AllocPair()
}

// ReleasePair returns a pair previously obtained from AllocPair.
func (c *Context) ReleasePair(lo Slot) {
	c.slots.ReleasePair(lo)
}

// GC forces this context's slot allocator to recombine any released single
// slots that together form a whole pair, rather than waiting for enough
// releases to accumulate on their own.
func (c *Context) GC() {
	c.slots.GC()
}

// Map binds slot to object id with the given access protections. The slot
// must lie within the range the context's SlotAllocator manages (it need
// not have been handed out by AllocPair/AllocSingle) and must not already
// carry a binding. Pages are not faulted in by Map; they are
// resolved lazily by HandleFault, except when flags includes MapStatic.
func (c *Context) Map(slot Slot, id object.ID, prot object.Protections, flags MapFlags) *kernel.Error {
	if !c.slots.Valid(slot) {
		return ErrInvalidSlot
	}

	obj, result := object.Global.Lookup(id, 0)
	if result != object.Found {
		return ErrObjectNotFound
	}
	if prot&^obj.Meta.DefaultProtections != 0 {
		return ErrInvalidProtections
	}

	c.mu.Acquire()
	if _, exists := c.bySlot[slot]; exists {
		c.mu.Release()
		return ErrSlotInUse
	}
	c.bySlot[slot] = &regionEntry{obj: id, prot: prot, flags: flags}
	c.mu.Release()

	obj.AddContext(c)

	if flags&MapStatic != 0 {
		return c.populateStatic(slot, obj, prot)
	}
	return nil
}

// populateStatic eagerly faults in every currently-backed page of obj into
// slot, used for mappings the kernel must not take a fault on (e.g. its own
// bootstrap structures).
func (c *Context) populateStatic(slot Slot, obj *object.Object, prot object.Protections) *kernel.Error {
	var faultErr *kernel.Error
	obj.WalkPages(func(pn object.PageNumber, frame mm.Frame) bool {
		page := mm.PageFromAddress(slotBase(slot) + uintptr(pn)*mm.PageSize)
		if err := pdtMapFn(&c.pdt, page, frame, protToPTEFlags(prot)); err != nil {
			faultErr = err
			return false
		}
		return true
	})
	return faultErr
}

// Unmap removes slot's binding, dropping the context's reference on the
// bound object and flushing any mappings the page directory table
// currently holds for the slot's virtual range. Per invariant I3 this may
// make the object eligible for collection once its pin/mapping count
// reaches zero elsewhere.
func (c *Context) Unmap(slot Slot) *kernel.Error {
	c.mu.Acquire()
	region, exists := c.bySlot[slot]
	if !exists {
		c.mu.Release()
		return ErrSlotNotMapped
	}
	delete(c.bySlot, slot)
	c.mu.Release()

	obj, result := object.Global.Lookup(region.obj, 0)
	if result == object.Found || result == object.WasDeleted {
		c.unmapResidentPages(slot, obj)
		obj.RemoveContext(c)
	}
	c.shootdown(slot)
	c.notifyWatchers(slot)

	return nil
}

// unmapResidentPages removes the page directory entries for every page of
// obj this slot's page directory table currently has mapped, walking only
// the object's present pages rather than the full per-object page range.
func (c *Context) unmapResidentPages(slot Slot, obj *object.Object) {
	base := slotBase(slot)
	obj.WalkPages(func(pn object.PageNumber, _ mm.Frame) bool {
		page := mm.PageFromAddress(base + uintptr(pn)*mm.PageSize)
		_ = pdtUnmapFn(&c.pdt, page)
		return true
	})
}

// ReadMap returns the binding currently installed in slot.
func (c *Context) ReadMap(slot Slot) (MapInfo, *kernel.Error) {
	c.mu.Acquire()
	defer c.mu.Release()

	region, exists := c.bySlot[slot]
	if !exists {
		return MapInfo{}, ErrSlotNotMapped
	}
	return MapInfo{Object: region.obj, Prot: region.prot, Flags: region.flags}, nil
}

// regionForSlot returns the binding for slot without an error wrapper, for
// use by the fault path.
func (c *Context) regionForSlot(slot Slot) (*regionEntry, bool) {
	c.mu.Acquire()
	defer c.mu.Release()
	region, exists := c.bySlot[slot]
	return region, exists
}

// Resolve translates a virtual address into the object and byte offset
// currently bound to the slot it falls in. Component E uses this to turn a
// virtual ThreadSyncReference into the (ObjID, offset) pair its wait queue
// is actually keyed by.
func (c *Context) Resolve(addr uintptr) (id object.ID, offset uint64, ok bool) {
	if addr < SlotsBase {
		return object.ID{}, 0, false
	}
	slot := Slot((addr - SlotsBase) / object.MaxSize)
	region, exists := c.regionForSlot(slot)
	if !exists {
		return object.ID{}, 0, false
	}
	return region.obj, uint64(addr - slotBase(slot)), true
}

// WatchSlot registers cancel to run if the slot backing addr is unmapped or
// invalidated before the returned stop function is called. Component E uses
// this to abort a sleep on a virtual reference with InvalidReference once
// its mapping is torn down mid-wait, per the "virtual ref invalidated"
// clause of the thread_sync contract.
func (c *Context) WatchSlot(addr uintptr, cancel func()) (stop func()) {
	if addr < SlotsBase {
		return func() {}
	}
	slot := Slot((addr - SlotsBase) / object.MaxSize)

	c.vwMu.Acquire()
	if c.vwatchers == nil {
		c.vwatchers = make(map[Slot][]*vwatch)
	}
	w := &vwatch{cancel: cancel}
	c.vwatchers[slot] = append(c.vwatchers[slot], w)
	c.vwMu.Release()

	return func() {
		c.vwMu.Acquire()
		defer c.vwMu.Release()
		w.cancel = nil
	}
}

// notifyWatchers fires and clears every pending WatchSlot registration for
// slot. Called whenever a slot's mapping is torn down, whether by Unmap or
// by InvalidateRange.
func (c *Context) notifyWatchers(slot Slot) {
	c.vwMu.Acquire()
	watchers := c.vwatchers[slot]
	delete(c.vwatchers, slot)
	c.vwMu.Release()

	for _, w := range watchers {
		if w.cancel != nil {
			w.cancel()
		}
	}
}

// InvalidateRange implements object.Invalidator. It is called by an Object
// whenever a range it holds is invalidated; every slot in this context
// presently bound to obj has its corresponding page range unmapped from the
// page directory table (in InvalidateWriteProtect mode as well; see the
// switch below), and every attached CPU's cached translation is purged
// before the call returns.
func (c *Context) InvalidateRange(obj object.ID, start object.PageNumber, count uint64, mode object.InvalidateMode) {
	c.mu.Acquire()
	var slots []Slot
	for slot, region := range c.bySlot {
		if region.obj == obj {
			slots = append(slots, slot)
		}
	}
	c.mu.Release()

	for _, slot := range slots {
		base := slotBase(slot)
		for i := uint64(0); i < count; i++ {
			pn := start + object.PageNumber(i)
			page := mm.PageFromAddress(base + uintptr(pn)*mm.PageSize)
			switch mode {
			case object.InvalidateFull:
				_ = pdtUnmapFn(&c.pdt, page)
			case object.InvalidateWriteProtect:
				// Re-installing the mapping with the RW flag cleared is
				// handled by the next write fault, which will find the
				// page unmapped from its CoW-eligible frame and re-fetch
				// it through GetPage; a bare Unmap is sufficient here
				// since this substrate has no separate dirty-bit sweep.
				_ = pdtUnmapFn(&c.pdt, page)
			}
		}
		c.shootdown(slot)
		c.notifyWatchers(slot)
	}
}

func protToPTEFlags(prot object.Protections) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent
	if prot&object.ProtWrite != 0 {
		flags |= vmm.FlagRW
	}
	return flags
}
