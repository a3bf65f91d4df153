package object

import (
	"twzcore/kernel"
	"twzcore/kernel/sync"
)

// LookupResult classifies the outcome of a Manager.Lookup call.
type LookupResult uint8

const (
	// Found means the ID resolved to a live Object.
	Found LookupResult = iota
	// NotFound means the ID has never been registered.
	NotFound
	// WasDeleted means the ID was registered and has since been dropped.
	WasDeleted
	// Pending means the ID is reserved (e.g. awaiting pager ObjectInfo)
	// but no Object is installed yet.
	Pending
)

// LookupFlags modifies Lookup's behavior.
type LookupFlags uint8

var errAlreadyRegistered = &kernel.Error{Module: "object", Message: "id already registered", Kind: kernel.KindName}

type slotState uint8

const (
	stateLive slotState = iota
	statePending
	stateDeleted
)

type slot struct {
	state slotState
	obj   *Object
}

// Manager is the global ObjID→Object map (OBJ_MANAGER in the design notes'
// terminology). A single process-wide instance, Global, is used by every
// other component; it is exposed as a type so tests can construct isolated
// instances.
type Manager struct {
	mu    sync.Spinlock
	byID  map[ID]*slot
}

// Global is the process-wide object manager singleton.
var Global = NewManager()

// NewManager returns an empty object manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[ID]*slot)}
}

// Register inserts obj into the global map under its own ID. It fails if
// the ID is already registered (live, pending, or merely not yet reaped
// after deletion).
func (m *Manager) Register(obj *Object) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	if _, exists := m.byID[obj.id]; exists {
		return errAlreadyRegistered
	}
	m.byID[obj.id] = &slot{state: stateLive, obj: obj}
	return nil
}

// RegisterPending reserves id without installing an Object yet, so
// concurrent lookups observe Pending rather than NotFound while, e.g., the
// pager is asked for ObjectInfo. FinalizeRegister transitions the slot to
// Found once the real Object is ready.
func (m *Manager) RegisterPending(id ID) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	if _, exists := m.byID[id]; exists {
		return errAlreadyRegistered
	}
	m.byID[id] = &slot{state: statePending}
	return nil
}

// FinalizeRegister installs obj into a slot previously reserved with
// RegisterPending. It is a no-op error if id was not pending.
func (m *Manager) FinalizeRegister(id ID, obj *Object) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	s, exists := m.byID[id]
	if !exists || s.state != statePending {
		return errAlreadyRegistered
	}
	s.state = stateLive
	s.obj = obj
	return nil
}

// Lookup resolves id to its Object and a LookupResult describing how.
func (m *Manager) Lookup(id ID, flags LookupFlags) (*Object, LookupResult) {
	m.mu.Acquire()
	defer m.mu.Release()

	s, exists := m.byID[id]
	if !exists {
		return nil, NotFound
	}
	switch s.state {
	case statePending:
		return nil, Pending
	case stateDeleted:
		return nil, WasDeleted
	default:
		if s.obj.MarkedForDeletion() {
			return s.obj, WasDeleted
		}
		return s.obj, Found
	}
}

// Drop removes id from the live set once its Object reports no remaining
// context mappings, per invariant I3 (deletion is deferred until all
// mappings drop). It is a no-op if the object still has mappings or has not
// been marked for deletion.
func (m *Manager) Drop(id ID) bool {
	m.mu.Acquire()
	defer m.mu.Release()

	s, exists := m.byID[id]
	if !exists || s.state != stateLive {
		return false
	}
	if !s.obj.MarkedForDeletion() || !s.obj.Unmapped() {
		return false
	}
	s.state = stateDeleted
	s.obj = nil
	return true
}
