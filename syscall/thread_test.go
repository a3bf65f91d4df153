package syscall

import (
	"testing"
	"time"

	"twzcore/object"
	"twzcore/sched"
	"twzcore/threadsync"
)

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

func TestSpawnRegistersAReprObjectAndEnqueuesOntoTheTargetCPU(t *testing.T) {
	cleanup := installFakeFrameAllocator()
	defer cleanup()
	installFakeReprWords(t)

	scheduler := sched.NewScheduler()
	idle := sched.NewThread(object.ID{Lo: 0xffff}, sched.Priority{Class: sched.ClassIdle})
	cpu := sched.NewCPU(0, idle)
	scheduler.AddCPU(cpu)

	tbl := NewTable(newFakeVMContext(), scheduler, nil)

	reprID, err := tbl.Spawn(ThreadSpawnArgs{
		Priority:  sched.Priority{Class: sched.ClassUser},
		TargetCPU: 0,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, result := object.Global.Lookup(reprID, 0); result != object.Found {
		t.Fatalf("expected the repr object to be registered, got result %v", result)
	}

	next := cpu.Reschedule(false)
	if next.ReprID != reprID {
		t.Fatalf("got scheduled repr %v, want %v", next.ReprID, reprID)
	}
}

func TestThreadSyncSleepReturnsReadyWhenThePredicateAlreadyHolds(t *testing.T) {
	cleanup := installFakeFrameAllocator()
	defer cleanup()
	installFakeReprWords(t)

	id := object.ID{Lo: 77}
	obj := object.New(id, object.Volatile, object.Normal)
	if err := object.Global.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := threadsync.WriteWord(id, 0, 42); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}

	tbl := NewTable(newFakeVMContext(), nil, nil)

	// Waiting for a specific target value, rather than "still equal to
	// whatever was last read", needs Invert: the bare Equal predicate
	// blocks while the word still matches Value.
	entries := []threadsync.Entry{{
		Kind:  threadsync.OpSleep,
		Ref:   threadsync.Reference{Obj: id, Offset: 0},
		Value: 42,
		Op:    threadsync.OpEqual,
		Flags: threadsync.FlagInvert,
	}}
	ready, err := tbl.ThreadSync(entries, time.Second)
	if err != nil {
		t.Fatalf("ThreadSync: %v", err)
	}
	if ready != 1 {
		t.Fatalf("got ready count %d, want 1", ready)
	}
	if entries[0].Result != threadsync.ResultReady {
		t.Fatalf("got result %v, want ResultReady", entries[0].Result)
	}
}

func TestThreadCtrlExitMarksTheReprObjectExited(t *testing.T) {
	cleanup := installFakeFrameAllocator()
	defer cleanup()
	installFakeReprWords(t)

	reprID := object.ID{Lo: 99}
	obj := object.New(reprID, object.Volatile, object.Normal)
	if err := object.Global.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}

	thr := sched.NewThread(reprID, sched.Priority{Class: sched.ClassUser})
	tbl := NewTable(newFakeVMContext(), nil, nil)

	if _, err := tbl.ThreadCtrl(thr, CtrlExit, 7); err != nil {
		t.Fatalf("ThreadCtrl: %v", err)
	}

	exited, err := threadsync.WaitExited(reprID, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitExited: %v", err)
	}
	if !exited {
		t.Fatal("expected the repr object to already report Exited")
	}
}

func TestThreadCtrlUnknownCommandIsAnError(t *testing.T) {
	tbl := NewTable(newFakeVMContext(), nil, nil)
	thr := sched.NewThread(object.ID{Lo: 1}, sched.Priority{})
	if _, err := tbl.ThreadCtrl(thr, ThreadCtrlCmd(99), 0); err != errUnknownThreadCtrlCmd {
		t.Fatalf("got err %v, want errUnknownThreadCtrlCmd", err)
	}
}
