package syscall

import (
	"testing"

	"twzcore/kernel"
	"twzcore/object"
	"twzcore/sched"
)

func TestSysInfoReportsRegisteredCPUCountAndObjectMax(t *testing.T) {
	scheduler := sched.NewScheduler()
	scheduler.AddCPU(sched.NewCPU(0, sched.NewThread(object.ID{Lo: 1}, sched.Priority{})))
	scheduler.AddCPU(sched.NewCPU(1, sched.NewThread(object.ID{Lo: 2}, sched.Priority{})))

	tbl := NewTable(newFakeVMContext(), scheduler, nil)

	info := tbl.SysInfo()
	if info.NumCPUs != 2 {
		t.Fatalf("got NumCPUs %d, want 2", info.NumCPUs)
	}
	if info.ObjectMax != object.MaxSize {
		t.Fatalf("got ObjectMax %d, want %d", info.ObjectMax, object.MaxSize)
	}
}

func TestKactionWithNoHandlerInstalledIsAnError(t *testing.T) {
	tbl := NewTable(newFakeVMContext(), nil, nil)
	if _, err := tbl.Kaction(KactionCmd(1), object.ID{}, 0, 0); err != errNoKactionHandler {
		t.Fatalf("got err %v, want errNoKactionHandler", err)
	}
}

func TestKactionDispatchesToTheInstalledHandler(t *testing.T) {
	tbl := NewTable(newFakeVMContext(), nil, nil)

	var gotCmd KactionCmd
	var gotID object.ID
	tbl.SetKactionHandler(func(cmd KactionCmd, id object.ID, arg, arg2 uint64) (KactionValue, *kernel.Error) {
		gotCmd, gotID = cmd, id
		return KactionValue(arg + arg2), nil
	})

	id := object.ID{Lo: 5}
	val, err := tbl.Kaction(KactionCmd(3), id, 2, 4)
	if err != nil {
		t.Fatalf("Kaction: %v", err)
	}
	if val != 6 {
		t.Fatalf("got value %d, want 6", val)
	}
	if gotCmd != 3 || gotID != id {
		t.Fatalf("handler got (%v, %v), want (3, %v)", gotCmd, gotID, id)
	}
}
