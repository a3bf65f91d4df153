package threadsync

import (
	"time"

	"twzcore/kernel"
	"twzcore/object"
)

// ExecutionState is a thread's lifecycle state as stored in its thread repr
// object, waitable via a Sleep op on StateOffset.
type ExecutionState uint32

const (
	ExecutionStateRunning ExecutionState = iota
	ExecutionStateBlocked
	ExecutionStateExited
)

// ThreadRepr is the fixed layout kept on a thread representation object's
// first page. Component F writes State/ExitCode as the thread runs and
// exits; a waiter (e.g. the monitor's cleaner thread) parks on StateOffset
// via thread_sync until it observes ExecutionStateExited. State and
// ExitCode each occupy their own 64-bit word — a Sleep op always compares a
// full word, so packing State into fewer than 8 bytes alongside other
// fields would make it impossible to name State alone without also pinning
// whatever shares its word.
type ThreadRepr struct {
	State    ExecutionState
	ExitCode int64
}

// StateOffset and ExitCodeOffset are the byte offsets of ThreadRepr's two
// words within a thread repr object. StateOffset is what a thread_sync
// Sleep op names to wait for the thread to exit.
const (
	StateOffset    = 0
	ExitCodeOffset = 8
)

// WaitExited blocks (up to timeout, or forever if 0) until the thread repr
// object id's State field reads ExecutionStateExited. It is a convenience
// wrapper over a single-entry Execute batch for the "wait for this thread
// to exit" case the monitor's cleaner thread performs on every managed
// thread's repr object. A Sleep op's own predicate is "still equal to
// Value", which blocks while State hasn't changed away from whatever was
// read at entry time; waiting for a specific target state instead needs
// FlagInvert so the op blocks while State != Exited and is ready once it
// is reached.
func WaitExited(id object.ID, timeout time.Duration) (exited bool, err *kernel.Error) {
	entries := []Entry{{
		Kind:  OpSleep,
		Ref:   Reference{Obj: id, Offset: StateOffset},
		Value: uint64(ExecutionStateExited),
		Op:    OpEqual,
		Flags: FlagInvert,
	}}
	_, err = Execute(nil, entries, timeout)
	if err != nil {
		return false, err
	}
	return entries[0].Result == ResultReady || entries[0].Result == ResultWoken, nil
}
