// Package object implements the in-kernel object and page-range store: the
// mapping from an ObjID to its Object record and sparse page-number→frame
// data, pin tracking, and invalidation fan-out to the contexts an object is
// currently mapped into.
package object

import (
	"bytes"

	"twzcore/kernel/kfmt"
)

// ID is an opaque 128-bit object identifier. ID 0 is reserved and never
// assigned to a real object. The top bit of Hi distinguishes persistent IDs
// (set) from volatile IDs (clear).
type ID struct {
	Hi uint64
	Lo uint64
}

// persistentBit is the top bit of the high 64 bits of an ID.
const persistentBit = uint64(1) << 63

// Nil is the reserved, never-assigned object ID.
var Nil = ID{}

// IsNil returns true if id is the reserved zero ID.
func (id ID) IsNil() bool {
	return id.Hi == 0 && id.Lo == 0
}

// IsPersistent returns true if id's top bit marks it as a persistent
// (as opposed to volatile) identifier.
func (id ID) IsPersistent() bool {
	return id.Hi&persistentBit != 0
}

// WithPersistent returns a copy of id with the persistent bit set or cleared.
func (id ID) WithPersistent(persistent bool) ID {
	if persistent {
		id.Hi |= persistentBit
	} else {
		id.Hi &^= persistentBit
	}
	return id
}

// String formats id as two hyphen-separated hex groups, matching the
// convention used by kfmt.Printf's %x verb for 64-bit values.
func (id ID) String() string {
	var buf bytes.Buffer
	kfmt.Fprintf(&buf, "%x-%x", id.Hi, id.Lo)
	return buf.String()
}

// Less provides a total order over IDs so they can be used as sorted-map
// keys without requiring a hashing scheme.
func (id ID) Less(other ID) bool {
	if id.Hi != other.Hi {
		return id.Hi < other.Hi
	}
	return id.Lo < other.Lo
}
