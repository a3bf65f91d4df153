// Package monitor implements the user-space trusted component every
// compartment's dynamic linking traffic flows through: loading ELF dynamic
// shared objects into adjacent object slots, fixing up their relocations,
// establishing per-thread TLS, and dispatching cross-compartment calls
// through secure gates.
package monitor

import (
	"bytes"
	"debug/elf"

	"twzcore/kernel"
	"twzcore/object"
)

// LoadState tracks a Library's progress through the relocation DFS, so a
// library reachable via more than one dependency path is fixed up exactly
// once and a dependency cycle terminates the walk instead of looping.
type LoadState uint8

const (
	LoadStateUnloaded LoadState = iota
	LoadStateInProgress
	LoadStateDone
)

// LoadDirective mirrors one PT_LOAD program header: where its bytes live in
// the source ELF, where they belong once loaded, and what protections the
// mapped region needs.
type LoadDirective struct {
	VAddr  uint64
	MemSz  uint64
	Offset uint64
	Align  uint64
	FileSz uint64

	// TargetsData is true for a segment the ELF marks writable — it becomes
	// the "data" object, as opposed to the read-only/executable "text"
	// object every library is split into.
	TargetsData bool
}

// TLSModule describes a library's PT_TLS segment: libc-style layout,
// covering whichever of Variant 1 / Variant 2 the target architecture uses
// to reach the module from the thread pointer.
type TLSModule struct {
	TemplateAddr uintptr
	FileSz       uint64
	MemSz        uint64
	Align        uint64
}

// Library is one loaded DSO: its ELF program headers translated into load
// directives, the text/data object pair it was mapped into, its TLS module
// (if it has one), and the edges to every library it depends on.
type Library struct {
	Name string

	TextObj object.ID
	DataObj object.ID

	Loads []LoadDirective
	TLS   *TLSModule

	Ctors []uint64 // constructor entry points, in call order

	Deps []*Library

	Symbols symbolTable

	state LoadState

	compartment *Compartment
}

// Compartment groups libraries that share an isolation boundary. Calls that
// cross from one compartment's libraries into another's must go through a
// secure gate (gate.go) rather than an ordinary call instruction.
type Compartment struct {
	Name      string
	Libraries map[string]*Library
	gates     map[string]*SecGateInfo
}

func newCompartment(name string) *Compartment {
	return &Compartment{
		Name:      name,
		Libraries: make(map[string]*Library),
		gates:     make(map[string]*SecGateInfo),
	}
}

// Context owns the dependency graph for a single dynamic-linking session:
// every loaded library, deduplicated by name, partitioned into compartments.
type Context struct {
	libraries    map[string]*Library
	compartments map[string]*Compartment

	copyFromFn func(dst *object.Object, dstOffset uint64, src []byte) *kernel.Error
}

var errDuplicateSymbol = &kernel.Error{Module: "monitor", Message: "duplicate symbol definition", Kind: kernel.KindName}
var errUndefinedSymbol = &kernel.Error{Module: "monitor", Message: "undefined symbol", Kind: kernel.KindName}
var errNotELF = &kernel.Error{Module: "monitor", Message: "not a valid ELF dynamic shared object", Kind: kernel.KindArgument}

// NewContext returns an empty dynlink context. copyFrom installs loaded
// segment bytes into a library's text/data object; production callers pass
// the object store's real copy-from primitive, tests a recording fake.
func NewContext(copyFrom func(dst *object.Object, dstOffset uint64, src []byte) *kernel.Error) *Context {
	return &Context{
		libraries:    make(map[string]*Library),
		compartments: make(map[string]*Compartment),
		copyFromFn:   copyFrom,
	}
}

// compartmentFor returns the named compartment, creating it if this is its
// first library.
func (c *Context) compartmentFor(name string) *Compartment {
	comp, ok := c.compartments[name]
	if !ok {
		comp = newCompartment(name)
		c.compartments[name] = comp
	}
	return comp
}

// Compartment returns the named compartment, creating it if Load has not
// reached it yet. It exists for callers that need to register a gate (e.g.
// the monitor's own bootstrap gates) before any library has actually loaded
// into that compartment.
func (c *Context) Compartment(name string) *Compartment {
	return c.compartmentFor(name)
}

// Load parses an ELF dynamic shared object, computes its load directives,
// maps its text and data objects, registers any TLS module, and recurses
// into its declared dependencies (resolved by depResolver, keyed by the
// DT_NEEDED name). A library already loaded (by name) is returned as-is:
// loading is idempotent across the whole dependency graph.
func (c *Context) Load(name string, compartment string, raw []byte, depResolver func(name string) ([]byte, error)) (*Library, *kernel.Error) {
	if lib, ok := c.libraries[name]; ok {
		return lib, nil
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errNotELF
	}
	defer f.Close()

	lib := &Library{Name: name, Symbols: make(symbolTable)}
	comp := c.compartmentFor(compartment)
	lib.compartment = comp

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			lib.Loads = append(lib.Loads, LoadDirective{
				VAddr:       prog.Vaddr,
				MemSz:       prog.Memsz,
				Offset:      prog.Off,
				Align:       prog.Align,
				FileSz:      prog.Filesz,
				TargetsData: prog.Flags&elf.PF_W != 0,
			})
		case elf.PT_TLS:
			lib.TLS = &TLSModule{
				FileSz: prog.Filesz,
				MemSz:  prog.Memsz,
				Align:  prog.Align,
			}
		}
	}

	if err := c.materialize(lib, f, raw); err != nil {
		return nil, err
	}
	if err := c.collectSymbols(lib, f); err != nil {
		return nil, err
	}

	c.libraries[name] = lib
	comp.Libraries[name] = lib

	needed, _ := f.DynString(elf.DT_NEEDED)
	for _, depName := range needed {
		depRaw, rerr := depResolver(depName)
		if rerr != nil {
			continue
		}
		depLib, lerr := c.Load(depName, compartment, depRaw, depResolver)
		if lerr != nil {
			return nil, lerr
		}
		lib.Deps = append(lib.Deps, depLib)
	}

	return lib, nil
}

// materialize creates the text and data objects for lib and copies each
// PT_LOAD segment's file-backed bytes into whichever of the two matches its
// writability, mirroring the "guaranteed adjacent slots" placement the
// monitor's loader promises so that a single base-relative relocation
// addressing scheme covers both halves of a library.
func (c *Context) materialize(lib *Library, f *elf.File, raw []byte) *kernel.Error {
	textID := nextObjectID()
	dataID := nextObjectID()
	lib.TextObj = textID
	lib.DataObj = dataID

	text := object.New(textID, object.Volatile, object.Normal)
	data := object.New(dataID, object.Volatile, object.Normal)
	if err := object.Global.Register(text); err != nil {
		return err
	}
	if err := object.Global.Register(data); err != nil {
		return err
	}

	for _, ld := range lib.Loads {
		dst := text
		if ld.TargetsData {
			dst = data
		}
		if ld.FileSz == 0 {
			continue
		}
		end := ld.Offset + ld.FileSz
		if end > uint64(len(raw)) {
			return errNotELF
		}
		if err := c.copyFromFn(dst, ld.VAddr, raw[ld.Offset:end]); err != nil {
			return err
		}
	}
	return nil
}

var nextID uint64 = 1

// nextObjectID mints a fresh volatile object ID for a loader-created text or
// data object. Real placement/allocation policy belongs to component B; the
// loader only needs IDs that are distinct and not yet registered.
func nextObjectID() object.ID {
	nextID++
	return object.ID{Lo: nextID}
}
