package syscall

import (
	"time"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
	"twzcore/sched"
	"twzcore/threadsync"
	"twzcore/vmctx"
)

// ThreadSpawnArgs carries Spawn's arguments: the priority and VM context
// the new thread runs under, and which CPU's run queue to file it onto.
type ThreadSpawnArgs struct {
	Priority  sched.Priority
	VMContext *vmctx.Context
	TargetCPU uint32
}

// Spawn creates a thread repr object, a scheduler Thread bound to it, and
// files the thread onto TargetCPU's run queue, returning the repr object's
// ID the way spec.md's external-interfaces table describes ("Spawn |
// ThreadSpawnArgs* | ObjID (repr)"). The monitor's own ManagedThread
// bookkeeping (upcall stack, TLS region, owning compartment) is a layer
// above this call, not part of it; Spawn only does what the kernel itself
// is responsible for.
func (t *Table) Spawn(args ThreadSpawnArgs) (object.ID, *kernel.Error) {
	reprID := t.nextObjectID()
	repr := object.New(reprID, object.Volatile, object.KernelInternal)
	if err := object.Global.Register(repr); err != nil {
		return object.ID{}, err
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return object.ID{}, err
	}
	if err := repr.AddPage(0, frame); err != nil {
		mm.FreeFrame(frame)
		return object.ID{}, err
	}

	thr := sched.NewThread(reprID, args.Priority)
	thr.VMContext = args.VMContext
	t.Scheduler.Enqueue(args.TargetCPU, thr)

	return reprID, nil
}

// ThreadSync issues a batched Sleep/Wake call against the calling
// context's VM context, the direct wrapper over threadsync.Execute spec.md
// names as the ThreadSync syscall.
func (t *Table) ThreadSync(entries []threadsync.Entry, timeout time.Duration) (readyCount int, err *kernel.Error) {
	return threadsync.Execute(t.Context, entries, timeout)
}

// ThreadCtrlCmd selects the operation ThreadCtrl performs.
type ThreadCtrlCmd uint8

const (
	// CtrlExit marks thr's repr object Exited with arg as its exit code,
	// waking every thread_sync waiter parked on its State word.
	CtrlExit ThreadCtrlCmd = iota
	// CtrlDonatePriority donates arg (packed as Priority.queueNo-ordered
	// class<<16|adjust) to thr for the duration of a priority-inheritance
	// window; the caller is responsible for RemoveDonation once released.
	CtrlDonatePriority
	// CtrlRemoveDonation clears any priority donated to thr.
	CtrlRemoveDonation
)

var errUnknownThreadCtrlCmd = &kernel.Error{Module: "syscall", Message: "unknown ThreadCtrl command", Kind: kernel.KindArgument}

// ThreadCtrl performs a miscellaneous thread-control operation, returning
// the (arg0, arg1) pair spec.md's table describes generically.
func (t *Table) ThreadCtrl(thr *sched.Thread, cmd ThreadCtrlCmd, arg uint64) (result [2]uint64, err *kernel.Error) {
	switch cmd {
	case CtrlExit:
		if err := thr.MarkExited(int64(arg)); err != nil {
			return result, err
		}
		return result, nil
	case CtrlDonatePriority:
		thr.Donate(sched.Priority{Class: sched.Class(arg >> 16), Adjust: uint16(arg)})
		return result, nil
	case CtrlRemoveDonation:
		thr.RemoveDonation()
		return result, nil
	default:
		return result, errUnknownThreadCtrlCmd
	}
}
