package object

import (
	"sync/atomic"

	"twzcore/kernel/sync"
)

// MaxSize is the virtually contiguous span of every object, 1 GiB by
// default. Page 0 (the NULL page) is permanently absent; every other page,
// including the last, is ordinary data. An object's Meta record (below)
// lives alongside the Object struct itself, not in any page of this range.
const MaxSize = 1 << 30

// PagesPerObject is the number of PAGE_SIZE slots spanned by MaxSize.
const PagesPerObject = MaxSize / 4096

// Lifetime distinguishes objects whose content outlives a reboot from
// those that do not.
type Lifetime uint8

const (
	Volatile Lifetime = iota
	Persistent
)

// BackingClass distinguishes ordinary user-visible objects from ones that
// hold kernel-internal structures (e.g. a VM context's own handle object).
type BackingClass uint8

const (
	Normal BackingClass = iota
	KernelInternal
)

// Protections is a bitmask of the access kinds a mapping may grant.
type Protections uint8

const (
	ProtRead Protections = 1 << iota
	ProtWrite
	ProtExec
)

// FOTEntry is one entry of an object's foreign object table: a named
// reference from this object to another, resolved at fault time rather
// than eagerly.
type FOTEntry struct {
	Index  uint32
	Target ID
}

// Meta is an object's metadata record. It is held in the Object struct's
// Meta field; no page of the object's address range stores it.
type Meta struct {
	DefaultProtections Protections
	FOT                []FOTEntry

	// Tie names another object whose deletion should cascade to this one.
	// The zero ID means untied. Core only records the link; walking it at
	// delete time is the caller's (ObjectCreate's) responsibility.
	Tie ID
}

// contextRef is the weak reference plus refcount an Object keeps for each
// context it is currently mapped into, per SPEC_FULL.md's Component B
// context-tracking contract: refcount supports the same object being
// mapped into multiple slots of the same context.
type contextRef struct {
	id       ContextID
	refcount uint32
}

// Object is the in-kernel representation of a Twizzler object: a fixed-size
// virtually contiguous range backed by a PageRangeTree, plus the
// bookkeeping needed to pin ranges, track which contexts it is mapped into,
// and defer deletion until every mapping has dropped.
type Object struct {
	id       ID
	lifetime Lifetime
	backing  BackingClass

	// deleting is set once a delete has been requested; it is an atomic
	// flag rather than a plain bool because lookup() reads it outside the
	// ranges lock.
	deleting uint32

	Meta Meta

	rangesMu sync.Spinlock
	ranges   PageRangeTree

	pinMu        sync.Spinlock
	pins         map[PinToken]pinRecord
	pinCounts    map[PageNumber]uint32
	nextPinToken uint32

	ctxMu    sync.Spinlock
	contexts map[ContextID]*contextRef

	sleep *SleepInfo
}

// New constructs an Object with the given ID, lifetime and backing class.
// The caller must still Register it with a Manager before it is visible to
// lookup().
func New(id ID, lifetime Lifetime, backing BackingClass) *Object {
	return &Object{
		id:       id,
		lifetime: lifetime,
		backing:  backing,
		pins:     make(map[PinToken]pinRecord),
		pinCounts: make(map[PageNumber]uint32),
		contexts: make(map[ContextID]*contextRef),
		sleep:    &SleepInfo{waiters: make(map[uint64][]*waiter)},
	}
}

// ID returns the object's identifier.
func (o *Object) ID() ID { return o.id }

// Lifetime returns the object's lifetime class.
func (o *Object) Lifetime() Lifetime { return o.lifetime }

// BackingClass returns the object's backing class.
func (o *Object) BackingClass() BackingClass { return o.backing }

// MarkForDeletion flags the object as pending deletion. Per invariant I3,
// the manager defers the actual drop until every context mapping has been
// removed.
func (o *Object) MarkForDeletion() {
	atomic.StoreUint32(&o.deleting, 1)
}

// MarkedForDeletion reports whether MarkForDeletion has been called.
func (o *Object) MarkedForDeletion() bool {
	return atomic.LoadUint32(&o.deleting) != 0
}

// Unmapped reports whether the object currently has no context mappings,
// i.e. it is safe to drop once MarkedForDeletion is also true.
func (o *Object) Unmapped() bool {
	o.ctxMu.Acquire()
	defer o.ctxMu.Release()
	return len(o.contexts) == 0
}

// AddContext records that the object has been mapped into ctx, incrementing
// the reference count if it was already mapped into the same context
// (e.g. via a second slot).
func (o *Object) AddContext(ctx Invalidator) {
	id := ctx.ContextID()

	o.ctxMu.Acquire()
	defer o.ctxMu.Release()

	if ref, ok := o.contexts[id]; ok {
		ref.refcount++
		return
	}
	o.contexts[id] = &contextRef{id: id, refcount: 1}
}

// RemoveContext decrements the reference count for ctx, dropping the entry
// entirely once it reaches zero.
func (o *Object) RemoveContext(ctx Invalidator) {
	id := ctx.ContextID()

	o.ctxMu.Acquire()
	defer o.ctxMu.Release()

	ref, ok := o.contexts[id]
	if !ok {
		return
	}
	ref.refcount--
	if ref.refcount == 0 {
		delete(o.contexts, id)
	}
}

// forEachContext invokes fn for every context currently mapping the
// object, skipping weak references whose context has since unregistered.
func (o *Object) forEachContext(fn func(Invalidator)) {
	o.ctxMu.Acquire()
	ids := make([]ContextID, 0, len(o.contexts))
	for id := range o.contexts {
		ids = append(ids, id)
	}
	o.ctxMu.Release()

	for _, id := range ids {
		if ctx, ok := Contexts.Get(id); ok {
			fn(ctx)
		}
	}
}
