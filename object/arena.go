package object

import "twzcore/kernel/sync"

// ContextID identifies a VM context registered with Contexts. It packs a
// slot index in the low 32 bits and a generation counter in the high 32
// bits so a stale ID (one whose context has since unregistered) is detected
// rather than silently resolving to whatever was reused at that slot.
type ContextID uint64

func makeContextID(slot, generation uint32) ContextID {
	return ContextID(generation)<<32 | ContextID(slot)
}

func (id ContextID) slot() uint32 {
	return uint32(id)
}

func (id ContextID) generation() uint32 {
	return uint32(id >> 32)
}

// Invalidator is the subset of VM-context behavior the object store needs in
// order to fan out invalidation. The VM context manager (component D)
// implements this and registers each context with Contexts on creation.
type Invalidator interface {
	// ContextID returns the ID this context was registered under.
	ContextID() ContextID
	// InvalidateRange asks the context to drop or write-protect its
	// mapping of obj's [start, start+count) page range.
	InvalidateRange(obj ID, start PageNumber, count uint64, mode InvalidateMode)
}

type arenaEntry struct {
	generation uint32
	live       bool
	ctx        Invalidator
}

// ContextArena resolves ContextIDs to their live Invalidator without
// Objects and VM contexts holding direct references to each other. This
// breaks the back-reference cycle that the source expresses with
// smart-pointer weak references: an Object stores a ContextID (plus a
// refcount) rather than a pointer, and a lookup through the arena simply
// fails once the context has unregistered, which is exactly the semantics a
// weak reference provides.
type ContextArena struct {
	mu      sync.Spinlock
	entries []arenaEntry
	free    []uint32
}

// Contexts is the process-wide context arena. Every VM context registers
// itself here exactly once, at construction.
var Contexts ContextArena

// Register allocates a slot for ctx and returns its ContextID.
func (a *ContextArena) Register(ctx Invalidator) ContextID {
	a.mu.Acquire()
	defer a.mu.Release()

	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.entries[slot].live = true
		a.entries[slot].ctx = ctx
		return makeContextID(slot, a.entries[slot].generation)
	}

	slot := uint32(len(a.entries))
	a.entries = append(a.entries, arenaEntry{live: true, ctx: ctx})
	return makeContextID(slot, 0)
}

// Unregister retires id. Subsequent Get calls for id return ok=false; the
// slot is recycled (with a bumped generation) for a future Register.
func (a *ContextArena) Unregister(id ContextID) {
	a.mu.Acquire()
	defer a.mu.Release()

	slot := id.slot()
	if int(slot) >= len(a.entries) || !a.entries[slot].live || a.entries[slot].generation != id.generation() {
		return
	}
	a.entries[slot].live = false
	a.entries[slot].ctx = nil
	a.entries[slot].generation++
	a.free = append(a.free, slot)
}

// Get resolves id to its live Invalidator. ok is false if the context has
// since unregistered (a stale weak reference).
func (a *ContextArena) Get(id ContextID) (Invalidator, bool) {
	a.mu.Acquire()
	defer a.mu.Release()

	slot := id.slot()
	if int(slot) >= len(a.entries) {
		return nil, false
	}
	e := &a.entries[slot]
	if !e.live || e.generation != id.generation() {
		return nil, false
	}
	return e.ctx, true
}
