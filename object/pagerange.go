package object

import (
	"sort"

	"twzcore/kernel/mm"
)

// PageNumber is an index within an object, 0 ≤ n < MAX_SIZE/PageSize.
type PageNumber uint64

// InvalidateMode selects how Invalidate treats the backing of a range.
type InvalidateMode uint8

const (
	// InvalidateFull discards backing entirely: the range becomes absent
	// and must be re-faulted (and, if pager-backed, re-fetched) on next
	// access.
	InvalidateFull InvalidateMode = iota
	// InvalidateWriteProtect downgrades mappings to read-only without
	// discarding the backing frames.
	InvalidateWriteProtect
)

// extent is a maximal run of present, contiguously-numbered pages. frames[i]
// backs page number start+PageNumber(i). Extents never overlap and are kept
// sorted by start.
type extent struct {
	start  PageNumber
	frames []mm.Frame
}

func (e *extent) end() PageNumber {
	return e.start + PageNumber(len(e.frames))
}

func (e *extent) contains(pn PageNumber) bool {
	return pn >= e.start && pn < e.end()
}

// PageRangeTree is the sparse map PageNumber→Frame for one object. Per
// SPEC_FULL.md's component design it is kept as a sorted slice of extents
// searched by binary search rather than a balanced tree: range coalescing on
// insert keeps the slice small in practice, and the contract only requires
// ordered range walks, not O(log n) point lookups under contention.
//
// generation is bumped on every Invalidate call and returned alongside
// GetPage results; a caller that cached a (Frame, generation) pair can tell
// whether the mapping it observed is still current without re-walking the
// tree.
type PageRangeTree struct {
	extents    []extent
	generation uint64
}

// search returns the index of the extent containing pn, or the index at
// which a new extent starting at pn would be inserted, and whether pn was
// found.
func (t *PageRangeTree) search(pn PageNumber) (idx int, found bool) {
	idx = sort.Search(len(t.extents), func(i int) bool {
		return t.extents[i].start > pn
	})
	if idx > 0 && t.extents[idx-1].contains(pn) {
		return idx - 1, true
	}
	return idx, false
}

// GetPage returns the frame backing page pn, if any, and the tree's current
// generation counter.
func (t *PageRangeTree) GetPage(pn PageNumber) (frame mm.Frame, generation uint64, ok bool) {
	idx, found := t.search(pn)
	if !found {
		return mm.InvalidFrame, t.generation, false
	}
	e := &t.extents[idx]
	return e.frames[pn-e.start], t.generation, true
}

// AddPage installs frame as the backing of page pn. It is idempotent:
// calling it again with the same frame for an already-present page is a
// no-op. Calling it with a different frame for an already-present page
// fails; the caller must Invalidate the page first.
func (t *PageRangeTree) AddPage(pn PageNumber, frame mm.Frame) bool {
	idx, found := t.search(pn)
	if found {
		return t.extents[idx].frames[pn-t.extents[idx].start] == frame
	}

	// Try to extend the preceding extent.
	if idx > 0 && t.extents[idx-1].end() == pn {
		t.extents[idx-1].frames = append(t.extents[idx-1].frames, frame)
		t.mergeAt(idx - 1)
		return true
	}

	// Try to prepend to the following extent.
	if idx < len(t.extents) && t.extents[idx].start == pn+1 {
		t.extents[idx].start = pn
		t.extents[idx].frames = append([]mm.Frame{frame}, t.extents[idx].frames...)
		return true
	}

	// No adjacent extent: insert a fresh single-page extent at idx.
	t.extents = append(t.extents, extent{})
	copy(t.extents[idx+1:], t.extents[idx:])
	t.extents[idx] = extent{start: pn, frames: []mm.Frame{frame}}
	return true
}

// mergeAt coalesces extents[idx] with extents[idx+1] if they are now
// contiguous, which can happen after AddPage extends a left-hand extent up
// to the start of its right-hand neighbor.
func (t *PageRangeTree) mergeAt(idx int) {
	if idx+1 >= len(t.extents) {
		return
	}
	left, right := &t.extents[idx], &t.extents[idx+1]
	if left.end() != right.start {
		return
	}
	left.frames = append(left.frames, right.frames...)
	t.extents = append(t.extents[:idx+1], t.extents[idx+2:]...)
}

// RemoveRange detaches every page in [start, start+count) from the tree and
// returns the frames that were backing them, in page-number order. Pages in
// the range that were already absent are simply skipped.
func (t *PageRangeTree) RemoveRange(start PageNumber, count uint64) []mm.Frame {
	end := start + PageNumber(count)
	var freed []mm.Frame

	var kept []extent
	for _, e := range t.extents {
		switch {
		case e.end() <= start || e.start >= end:
			// Entirely outside the range: untouched.
			kept = append(kept, e)
		case e.start >= start && e.end() <= end:
			// Entirely inside the range: fully removed.
			freed = append(freed, e.frames...)
		default:
			// Partial overlap: split off the part(s) outside the range and
			// collect the frames for the part(s) inside it.
			if e.start < start {
				kept = append(kept, extent{start: e.start, frames: e.frames[:start-e.start]})
			}
			loStart := e.start
			if start > loStart {
				loStart = start
			}
			hiEnd := e.end()
			if end < hiEnd {
				hiEnd = end
			}
			freed = append(freed, e.frames[loStart-e.start:hiEnd-e.start]...)
			if e.end() > end {
				kept = append(kept, extent{start: end, frames: e.frames[end-e.start:]})
			}
		}
	}
	t.extents = kept
	t.generation++
	return freed
}

// BumpGeneration invalidates every outstanding (Frame, generation) pair
// cached by callers of GetPage without altering the tree's contents. Used by
// Invalidate in InvalidateWriteProtect mode, which changes protection but
// keeps pages resident.
func (t *PageRangeTree) BumpGeneration() {
	t.generation++
}

// Generation returns the tree's current generation counter.
func (t *PageRangeTree) Generation() uint64 {
	return t.generation
}

// Walk invokes visitor for every present page in ascending page-number
// order, stopping early if visitor returns false.
func (t *PageRangeTree) Walk(visitor func(pn PageNumber, frame mm.Frame) bool) {
	for _, e := range t.extents {
		for i, f := range e.frames {
			if !visitor(e.start+PageNumber(i), f) {
				return
			}
		}
	}
}
