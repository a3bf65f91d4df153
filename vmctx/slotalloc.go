// Package vmctx implements the per-address-space VM context and slot
// manager: mapping ObjIDs into fixed-size slots, the page-fault dispatch
// path, and TLB shootdown coordination across simulated CPUs.
package vmctx

import (
	"sort"

	"twzcore/kernel"
	"twzcore/kernel/sync"
)

// Slot is an index into a VM context's slot table. Each slot holds at most
// one object mapping at a time and spans object.MaxSize bytes of virtual
// address space.
type Slot uint32

var (
	errNoFreeSlots = &kernel.Error{Module: "vmctx", Message: "no free slot pairs available", Kind: kernel.KindCapacity}
)

// singleFreeWatermark is the number of released singles the free list may
// accumulate before a GC pass tries to recombine adjacent ones back into
// pairs.
const singleFreeWatermark = 64

// SlotAllocator hands out slot indices in pairs (2k, 2k+1), one bit per
// pair tracking whether the pair is in any way allocated (as a whole pair
// or split into two singles). Splitting a pair for a single-slot request
// stacks the unused half onto a free list; once that list grows past
// singleFreeWatermark it is sorted and scanned once (O(n log n), no
// allocation — the scratch buffer is reserved up front) to recombine any
// two singles that form a whole pair.
type SlotAllocator struct {
	mu sync.Spinlock

	pairBits []uint64
	numPairs uint32

	singleFree []Slot
	sortBuf    []Slot
}

// NewSlotAllocator returns an allocator managing numSlots slots (rounded up
// to an even number of slots, i.e. a whole number of pairs).
func NewSlotAllocator(numSlots uint32) *SlotAllocator {
	numPairs := (numSlots + 1) / 2
	return &SlotAllocator{
		pairBits:   make([]uint64, (numPairs+63)/64),
		numPairs:   numPairs,
		singleFree: make([]Slot, 0, singleFreeWatermark+1),
		sortBuf:    make([]Slot, 0, singleFreeWatermark+1),
	}
}

func (a *SlotAllocator) pairAllocated(pair uint32) bool {
	return a.pairBits[pair/64]&(uint64(1)<<(pair%64)) != 0
}

func (a *SlotAllocator) setPairAllocated(pair uint32, allocated bool) {
	if allocated {
		a.pairBits[pair/64] |= uint64(1) << (pair % 64)
	} else {
		a.pairBits[pair/64] &^= uint64(1) << (pair % 64)
	}
}

func (a *SlotAllocator) findFreePair() (uint32, bool) {
	for pair := uint32(0); pair < a.numPairs; pair++ {
		if !a.pairAllocated(pair) {
			return pair, true
		}
	}
	return 0, false
}

// Valid reports whether s falls within the range this allocator manages,
// regardless of whether it is currently allocated. Context.Map uses this to
// reject a caller-supplied slot index outside that range; it does not check
// that the slot was handed out by AllocPair/AllocSingle.
func (a *SlotAllocator) Valid(s Slot) bool {
	return uint32(s) < a.numPairs*2
}

// AllocPair reserves a whole, adjacent (2k, 2k+1) slot pair, as required
// for loading an ELF object's text and data segments into adjacent slots.
func (a *SlotAllocator) AllocPair() (lo, hi Slot, err *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	pair, ok := a.findFreePair()
	if !ok {
		return 0, 0, errNoFreeSlots
	}
	a.setPairAllocated(pair, true)
	return Slot(2 * pair), Slot(2*pair + 1), nil
}

// ReleasePair returns a pair previously obtained from AllocPair. lo must be
// the even-numbered slot of the pair.
func (a *SlotAllocator) ReleasePair(lo Slot) {
	a.mu.Acquire()
	defer a.mu.Release()
	a.setPairAllocated(uint32(lo)/2, false)
}

// AllocSingle returns one free slot, splitting a pair if the single free
// list is empty. The unused half of a split pair is kept on the free list
// for a future AllocSingle call.
func (a *SlotAllocator) AllocSingle() (Slot, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	if n := len(a.singleFree); n > 0 {
		s := a.singleFree[n-1]
		a.singleFree = a.singleFree[:n-1]
		return s, nil
	}

	pair, ok := a.findFreePair()
	if !ok {
		return 0, errNoFreeSlots
	}
	a.setPairAllocated(pair, true)
	a.singleFree = append(a.singleFree, Slot(2*pair+1))
	return Slot(2 * pair), nil
}

// ReleaseSingle returns a single slot obtained from AllocSingle (or the
// unpaired half of a pair) to the free list, running a recombination GC
// pass once the list has grown past singleFreeWatermark.
func (a *SlotAllocator) ReleaseSingle(s Slot) {
	a.mu.Acquire()
	defer a.mu.Release()

	a.singleFree = append(a.singleFree, s)
	if len(a.singleFree) > singleFreeWatermark {
		a.gcLocked()
	}
}

// GC forces the recombination pass ReleaseSingle otherwise only runs once
// the free list has grown past singleFreeWatermark, for a caller (or a
// test) that cannot wait for that many releases to accumulate.
func (a *SlotAllocator) GC() {
	a.mu.Acquire()
	defer a.mu.Release()
	a.gcLocked()
}

// gcLocked sorts the single free list and recombines any two entries that
// form a whole pair (2k, 2k+1) back into a free pair, clearing their bit.
// Must be called with a.mu held.
func (a *SlotAllocator) gcLocked() {
	a.sortBuf = append(a.sortBuf[:0], a.singleFree...)
	sort.Slice(a.sortBuf, func(i, j int) bool { return a.sortBuf[i] < a.sortBuf[j] })

	kept := a.singleFree[:0]
	for i := 0; i < len(a.sortBuf); i++ {
		s := a.sortBuf[i]
		if s%2 == 0 && i+1 < len(a.sortBuf) && a.sortBuf[i+1] == s+1 {
			a.setPairAllocated(uint32(s)/2, false)
			i++
			continue
		}
		kept = append(kept, s)
	}
	a.singleFree = kept
}
