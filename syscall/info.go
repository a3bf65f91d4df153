package syscall

import (
	"twzcore/kernel"
	"twzcore/object"
)

// SysInfoResult reports static facts about the running substrate: how many
// CPUs the scheduler currently has registered and the fixed per-object
// size every Twizzler object shares. A real deployment would grow this
// structure as new facts become worth exposing; core imposes no further
// layout per spec.md §6.
type SysInfoResult struct {
	NumCPUs   int
	ObjectMax uint64
}

// SysInfo fills out and returns the substrate's static info block.
func (t *Table) SysInfo() SysInfoResult {
	return SysInfoResult{
		NumCPUs:   t.Scheduler.NumCPUs(),
		ObjectMax: object.MaxSize,
	}
}

// KactionCmd selects a device-specific action dispatched through Kaction.
// The set of valid commands is device-defined; Table only carries the
// request to whatever handler was installed.
type KactionCmd uint32

// KactionValue is the opaque result of a Kaction call; its meaning is
// defined by the (cmd, device) pair that produced it.
type KactionValue uint64

var errNoKactionHandler = &kernel.Error{Module: "syscall", Message: "no Kaction handler installed", Kind: kernel.KindArgument}

// Kaction dispatches a device-specific action to whichever handler
// SetKactionHandler installed, per spec.md's "Kaction | cmd, id?, arg, arg2
// | KactionValue" row. Core has no device-specific commands of its own;
// everything here is forwarded.
func (t *Table) Kaction(cmd KactionCmd, id object.ID, arg, arg2 uint64) (KactionValue, *kernel.Error) {
	if t.kactionFn == nil {
		return 0, errNoKactionHandler
	}
	return t.kactionFn(cmd, id, arg, arg2)
}
