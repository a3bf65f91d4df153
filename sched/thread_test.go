package sched

import (
	"testing"
	"time"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
	"twzcore/threadsync"
)

func installFakeFrameAllocator(t *testing.T) {
	t.Helper()
	var next mm.Frame
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		next++
		return next, nil
	})
	mm.SetFrameDeallocator(func(mm.Frame) *kernel.Error { return nil })
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameDeallocator(nil)
	})
}

// installFakeReprWords backs threadsync's read/write word seam with a map,
// the same pattern threadsync's own tests use, so MarkExited's writes don't
// need to dereference a real frame address.
func installFakeReprWords(t *testing.T) {
	t.Helper()
	words := make(map[object.ID]map[uint64]uint64)
	threadsync.SetReadWordFn(func(obj *object.Object, offset uint64) (uint64, bool) {
		byOffset, ok := words[obj.ID()]
		if !ok {
			return 0, true
		}
		return byOffset[offset], true
	})
	threadsync.SetWriteWordFn(func(obj *object.Object, offset uint64, value uint64) bool {
		byOffset, ok := words[obj.ID()]
		if !ok {
			byOffset = make(map[uint64]uint64)
			words[obj.ID()] = byOffset
		}
		byOffset[offset] = value
		return true
	})
	t.Cleanup(func() {
		threadsync.SetReadWordFn(nil)
		threadsync.SetWriteWordFn(nil)
	})
}

func newReprObject(t *testing.T, id object.ID) *object.Object {
	t.Helper()
	obj := object.New(id, object.Volatile, object.Normal)
	if err := object.Global.Register(obj); err != nil {
		t.Fatalf("unexpected error registering repr object: %v", err)
	}
	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := obj.AddPage(0, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return obj
}

func TestDonateOnlyOverridesBaseWhenMoreUrgent(t *testing.T) {
	th := NewThread(object.ID{Hi: 2, Lo: 1}, Priority{Class: ClassBackground})

	th.Donate(Priority{Class: ClassUser})
	if got := th.Effective(); got != (Priority{Class: ClassUser}) {
		t.Fatalf("expected the donated User priority to win over base Background, got %+v", got)
	}

	// A less urgent donation than the one already active must not replace it.
	th.Donate(Priority{Class: ClassBackground, Adjust: 5})
	if got := th.Effective(); got != (Priority{Class: ClassUser}) {
		t.Fatalf("expected the more urgent donation to stick, got %+v", got)
	}

	th.RemoveDonation()
	if got := th.Effective(); got != (Priority{Class: ClassBackground}) {
		t.Fatalf("expected RemoveDonation to restore the base priority, got %+v", got)
	}
}

func TestMarkExitedPublishesStateAndWakesWaiter(t *testing.T) {
	installFakeFrameAllocator(t)
	installFakeReprWords(t)

	id := object.ID{Hi: 2, Lo: 2}
	newReprObject(t, id)
	th := NewThread(id, Priority{Class: ClassUser})

	waitDone := make(chan bool, 1)
	go func() {
		exited, err := threadsync.WaitExited(id, 0)
		if err != nil {
			waitDone <- false
			return
		}
		waitDone <- exited
	}()

	time.Sleep(20 * time.Millisecond)
	if err := th.MarkExited(7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case exited := <-waitDone:
		if !exited {
			t.Fatal("expected WaitExited to report the thread exited")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitExited never returned after MarkExited")
	}
}
