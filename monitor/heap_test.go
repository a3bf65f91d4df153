package monitor

import (
	"testing"

	"twzcore/kernel"
	"twzcore/object"
)

func TestHeapAllocGrowsASpanOnFirstUse(t *testing.T) {
	var mapped []object.ID
	heap := NewHeap(4096, func(obj object.ID) (Slot, *kernel.Error) {
		mapped = append(mapped, obj)
		return Slot(len(mapped) - 1), nil
	})

	addr, err := heap.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected a non-zero address")
	}
	if len(mapped) != 1 {
		t.Fatalf("expected exactly one span to have been mapped, got %d", len(mapped))
	}
}

func TestHeapAllocGrowsANewSpanWhenTheCurrentOneIsExhausted(t *testing.T) {
	var mapped []object.ID
	heap := NewHeap(128, func(obj object.ID) (Slot, *kernel.Error) {
		mapped = append(mapped, obj)
		return Slot(len(mapped) - 1), nil
	})

	if _, err := heap.Alloc(100, 8); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := heap.Alloc(100, 8); err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if len(mapped) != 2 {
		t.Fatalf("expected a second span to have been mapped once the first overflowed, got %d spans", len(mapped))
	}
}

func TestHeapAllocReturnsDistinctNonOverlappingAddresses(t *testing.T) {
	heap := NewHeap(4096, func(object.ID) (Slot, *kernel.Error) { return 0, nil })

	a, err := heap.Alloc(32, 8)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := heap.Alloc(32, 8)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct addresses from consecutive allocations")
	}
	if b < a+32 {
		t.Fatalf("expected b (%#x) to start at or after a+32 (%#x)", b, a+32)
	}
}
