package object

import (
	"testing"

	"twzcore/kernel/mm"
)

func TestPageRangeTreeAddAndGet(t *testing.T) {
	var tree PageRangeTree

	if !tree.AddPage(5, mm.Frame(50)) {
		t.Fatal("expected first AddPage to succeed")
	}
	if !tree.AddPage(5, mm.Frame(50)) {
		t.Fatal("expected idempotent re-add of the same frame to succeed")
	}
	if tree.AddPage(5, mm.Frame(99)) {
		t.Fatal("expected AddPage with a different frame for the same page to fail")
	}

	frame, _, ok := tree.GetPage(5)
	if !ok || frame != mm.Frame(50) {
		t.Fatalf("expected GetPage(5) to return frame 50; got %d, ok=%t", frame, ok)
	}

	if _, _, ok := tree.GetPage(6); ok {
		t.Fatal("expected GetPage(6) to report absent")
	}
}

func TestPageRangeTreeCoalescing(t *testing.T) {
	var tree PageRangeTree

	tree.AddPage(10, mm.Frame(100))
	tree.AddPage(12, mm.Frame(102))
	tree.AddPage(11, mm.Frame(101))

	if got := len(tree.extents); got != 1 {
		t.Fatalf("expected three contiguous pages to coalesce into one extent; got %d extents", got)
	}

	for pn, want := range map[PageNumber]mm.Frame{10: 100, 11: 101, 12: 102} {
		if got, _, ok := tree.GetPage(pn); !ok || got != want {
			t.Errorf("page %d: expected frame %d; got %d (ok=%t)", pn, want, got, ok)
		}
	}
}

func TestPageRangeTreeRemoveRange(t *testing.T) {
	var tree PageRangeTree

	for i := PageNumber(0); i < 5; i++ {
		tree.AddPage(i, mm.Frame(i))
	}

	genBefore := tree.Generation()
	freed := tree.RemoveRange(1, 3)
	if got := len(freed); got != 3 {
		t.Fatalf("expected 3 freed frames; got %d", got)
	}
	if tree.Generation() == genBefore {
		t.Error("expected RemoveRange to bump the generation counter")
	}

	if _, _, ok := tree.GetPage(0); !ok {
		t.Error("expected page 0 to remain present")
	}
	if _, _, ok := tree.GetPage(2); ok {
		t.Error("expected page 2 to have been removed")
	}
	if _, _, ok := tree.GetPage(4); !ok {
		t.Error("expected page 4 to remain present")
	}
}

func TestPageRangeTreeWalkOrder(t *testing.T) {
	var tree PageRangeTree
	tree.AddPage(3, mm.Frame(3))
	tree.AddPage(1, mm.Frame(1))
	tree.AddPage(7, mm.Frame(7))

	var seen []PageNumber
	tree.Walk(func(pn PageNumber, frame mm.Frame) bool {
		seen = append(seen, pn)
		return true
	})

	want := []PageNumber{1, 3, 7}
	if len(seen) != len(want) {
		t.Fatalf("expected %d pages; got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("index %d: expected page %d; got %d", i, want[i], seen[i])
		}
	}
}

func TestPageRangeTreeWalkStopsEarly(t *testing.T) {
	var tree PageRangeTree
	for i := PageNumber(0); i < 5; i++ {
		tree.AddPage(i, mm.Frame(i))
	}

	count := 0
	tree.Walk(func(pn PageNumber, frame mm.Frame) bool {
		count++
		return pn < 2
	})

	if count != 3 {
		t.Fatalf("expected Walk to stop after visiting page 2; visited %d pages", count)
	}
}
