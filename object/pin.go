package object

import (
	"twzcore/kernel"
	"twzcore/kernel/mm"
)

// PinToken is a non-zero handle returned by Pin and released explicitly
// with Unpin. Multiple pins on overlapping ranges are independent: each
// carries its own token and its own contribution to the per-page pin
// count.
type PinToken uint32

type pinRecord struct {
	start PageNumber
	count uint64
}

var (
	errInvalidPinRange = &kernel.Error{Module: "object", Message: "invalid pin range", Kind: kernel.KindArgument}
	errUnknownPinToken = &kernel.Error{Module: "object", Message: "unknown pin token", Kind: kernel.KindArgument}
	errAlreadyBound    = &kernel.Error{Module: "object", Message: "page already bound to a different frame; invalidate first", Kind: kernel.KindName}
)

// GetPage returns the frame backing page pn and the tree's generation at
// the time of the call, or ok=false if the page is currently absent.
func (o *Object) GetPage(pn PageNumber, forWrite bool) (frame mm.Frame, generation uint64, ok bool) {
	o.rangesMu.Acquire()
	defer o.rangesMu.Release()
	return o.ranges.GetPage(pn)
}

// AddPage installs frame as the backing for page pn. Idempotent for a
// repeated identical mapping; fails with errAlreadyBound if pn is already
// backed by a different frame.
func (o *Object) AddPage(pn PageNumber, frame mm.Frame) *kernel.Error {
	o.rangesMu.Acquire()
	defer o.rangesMu.Release()

	if !o.ranges.AddPage(pn, frame) {
		return errAlreadyBound
	}
	return nil
}

// Invalidate walks the object's list of containing contexts and asks each
// to flush its mapping of [start, start+count). In InvalidateFull mode the
// backing frames are detached from the range tree and released back to the
// frame allocator, except for any page still covered by an outstanding pin
// (invariant I2: pinned pages must remain resident).
func (o *Object) Invalidate(start PageNumber, count uint64, mode InvalidateMode) {
	if mode == InvalidateFull {
		o.rangesMu.Acquire()
		o.pinMu.Acquire()
		pinned := make(map[PageNumber]bool)
		for pn, n := range o.pinCounts {
			if n > 0 && pn >= start && pn < start+PageNumber(count) {
				pinned[pn] = true
			}
		}
		o.pinMu.Release()

		if len(pinned) == 0 {
			freed := o.ranges.RemoveRange(start, count)
			o.rangesMu.Release()
			for i, f := range freed {
				// freed[i] corresponds to page start+PageNumber(i) only
				// when RemoveRange returned a fully-dense run; callers that
				// need exact page↔frame correspondence should walk the
				// tree before invalidating. Here we only need the frame
				// identities to release them.
				_ = i
				mm.FreeFrame(f)
			}
		} else {
			o.rangesMu.Release()
			o.ranges.BumpGeneration()
		}
	} else {
		o.rangesMu.Acquire()
		o.ranges.BumpGeneration()
		o.rangesMu.Release()
	}

	o.forEachContext(func(ctx Invalidator) {
		ctx.InvalidateRange(o.id, start, count, mode)
	})
}

// Pin guarantees that every page in [start, start+count) has a backing
// frame (allocating and zero-filling any that are absent) and that the
// range remains resident until the returned token is released. It returns
// the physical addresses of every page in the range, in order.
func (o *Object) Pin(start PageNumber, count uint64) ([]uintptr, PinToken, *kernel.Error) {
	if count == 0 {
		return nil, 0, nil
	}
	if start+PageNumber(count) > PagesPerObject {
		return nil, 0, errInvalidPinRange
	}

	addrs := make([]uintptr, 0, count)

	o.rangesMu.Acquire()
	for i := uint64(0); i < count; i++ {
		pn := start + PageNumber(i)
		frame, _, ok := o.ranges.GetPage(pn)
		if !ok {
			var err *kernel.Error
			frame, err = mm.AllocFrame()
			if err != nil {
				o.rangesMu.Release()
				return nil, 0, err
			}
			o.ranges.AddPage(pn, frame)
		}
		addrs = append(addrs, frame.Address())
	}
	o.rangesMu.Release()

	o.pinMu.Acquire()
	o.nextPinToken++
	token := PinToken(o.nextPinToken)
	o.pins[token] = pinRecord{start: start, count: count}
	for i := uint64(0); i < count; i++ {
		o.pinCounts[start+PageNumber(i)]++
	}
	o.pinMu.Release()

	return addrs, token, nil
}

// Unpin releases a previously issued pin token. Releasing an unknown token
// is an error; every other release decrements the per-page pin counts for
// the token's range.
func (o *Object) Unpin(token PinToken) *kernel.Error {
	o.pinMu.Acquire()
	defer o.pinMu.Release()

	rec, ok := o.pins[token]
	if !ok {
		return errUnknownPinToken
	}
	delete(o.pins, token)
	for i := uint64(0); i < rec.count; i++ {
		pn := rec.start + PageNumber(i)
		if o.pinCounts[pn] > 0 {
			o.pinCounts[pn]--
		}
		if o.pinCounts[pn] == 0 {
			delete(o.pinCounts, pn)
		}
	}
	return nil
}

// IsPinned reports whether pn currently has at least one outstanding pin.
func (o *Object) IsPinned(pn PageNumber) bool {
	o.pinMu.Acquire()
	defer o.pinMu.Release()
	return o.pinCounts[pn] > 0
}

// WalkPages invokes visitor for every page currently backed by a frame, in
// ascending page-number order, stopping early if visitor returns false.
// Used by callers (e.g. a VM context populating a static mapping) that need
// every resident page of an object without going through the fault path.
func (o *Object) WalkPages(visitor func(pn PageNumber, frame mm.Frame) bool) {
	o.rangesMu.Acquire()
	defer o.rangesMu.Release()
	o.ranges.Walk(visitor)
}
