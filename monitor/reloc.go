package monitor

import (
	"strings"

	"twzcore/kernel"
)

// RelocKind classifies a relocation entry by the fixup it performs. Real
// ELF relocation types are architecture-specific (R_X86_64_RELATIVE,
// R_AARCH64_GLOB_DAT, ...); the loader maps each onto one of these before
// dispatching to the per-arch handler, so applyOne's switch is
// arch-independent.
type RelocKind uint8

const (
	// RelocRelative adds the library's load base to an addend already
	// present at the target location.
	RelocRelative RelocKind = iota
	// RelocSymbolic resolves a named symbol and writes its absolute
	// address.
	RelocSymbolic
	// RelocGOT resolves a named symbol's address into a GOT slot.
	RelocGOT
	// RelocJump resolves a named symbol's address into a PLT/jump slot.
	RelocJump
	// RelocTPOff computes a thread-local symbol's offset from the thread
	// pointer.
	RelocTPOff
	// RelocTLSDesc resolves a TLS descriptor pair (resolver function
	// pointer, argument) for the symbol.
	RelocTLSDesc
)

// Reloc is one relocation entry, already resolved to a RelocKind and an
// offset within the library's own address space; Symbol is empty for
// RelocRelative, which needs no symbol lookup.
type Reloc struct {
	Kind   RelocKind
	Offset uint64
	Symbol string
	Addend int64
}

// archApplyFn performs a single resolved relocation by writing value at
// offset within lib's mapped text/data objects. Each supported architecture
// registers its own via SetArchApplyFn; RELATIVE/SYMBOLIC/GOT/JUMP/TPOFF/
// TLSDESC differ in how the final value is computed but not in how it gets
// written, which is why this seam is a single function rather than one per
// RelocKind.
type archApplyFn func(lib *Library, offset uint64, value uint64) *kernel.Error

var applyFn archApplyFn = defaultApplyFn

// SetArchApplyFn overrides the per-arch relocation writer, or restores a
// default that writes nothing and returns an error (there is no safe
// architecture-agnostic way to poke a raw address, so a real kernel build
// must install one before Relocate is ever called) when fn is nil.
func SetArchApplyFn(fn archApplyFn) {
	if fn == nil {
		applyFn = defaultApplyFn
		return
	}
	applyFn = fn
}

func defaultApplyFn(*Library, uint64, uint64) *kernel.Error {
	return &kernel.Error{Module: "monitor", Message: "no architecture relocation handler installed", Kind: kernel.KindArgument}
}

// MissingSymbolsError is what Relocate returns when one or more relocation
// entries in the set it walked name a symbol no library in scope defines.
// Symbols lists every miss encountered across the whole walk, in the order
// applyOne hit them, not just the first — a loader that stops at the first
// undefined symbol forces a fix-rebuild-retry loop to find the rest.
type MissingSymbolsError struct {
	Symbols []string
}

func (e *MissingSymbolsError) Error() string {
	return "unresolved relocation symbols: " + strings.Join(e.Symbols, ", ")
}

// Relocate performs the post-order depth-first relocation walk starting at
// root: recurse into every not-yet-visited dependency first, then fix up
// root's own relocation entries, matching the "if in-progress or done,
// return; mark in-progress; recurse on dependencies; apply relocations;
// mark done" algorithm. A library reachable through more than one path in
// the graph is fixed up exactly once; a dependency cycle is broken by the
// in-progress check rather than recursing forever. A missing symbol does
// not abort the walk early: every entry is attempted and every miss is
// collected, so a caller sees the complete set in one pass rather than
// fixing one at a time. Any other failure (the arch writer itself erroring)
// still aborts immediately, since it represents a fault applying a
// relocation that did resolve, not an unresolved name.
func (c *Context) Relocate(root *Library, relocs map[*Library][]Reloc) error {
	var missing []string
	if err := c.relocateWalk(root, relocs, &missing); err != nil {
		return err
	}
	if len(missing) > 0 {
		return &MissingSymbolsError{Symbols: missing}
	}
	return nil
}

func (c *Context) relocateWalk(root *Library, relocs map[*Library][]Reloc, missing *[]string) *kernel.Error {
	if root.state == LoadStateDone || root.state == LoadStateInProgress {
		return nil
	}
	root.state = LoadStateInProgress

	for _, dep := range root.Deps {
		if err := c.relocateWalk(dep, relocs, missing); err != nil {
			return err
		}
	}

	for _, r := range relocs[root] {
		if err := c.applyOne(root, r, missing); err != nil {
			return err
		}
	}

	root.state = LoadStateDone
	return nil
}

func (c *Context) applyOne(lib *Library, r Reloc, missing *[]string) *kernel.Error {
	base := lib.Loads[0].VAddr

	switch r.Kind {
	case RelocRelative:
		return applyFn(lib, r.Offset, base+uint64(r.Addend))

	case RelocSymbolic, RelocGOT, RelocJump:
		sym, ok := c.lookupSymbol(lib, r.Symbol)
		if !ok {
			*missing = append(*missing, r.Symbol)
			return nil
		}
		return applyFn(lib, r.Offset, sym.lib.Loads[0].VAddr+sym.value)

	case RelocTPOff:
		sym, ok := c.lookupSymbol(lib, r.Symbol)
		if !ok {
			*missing = append(*missing, r.Symbol)
			return nil
		}
		return applyFn(lib, r.Offset, sym.value)

	case RelocTLSDesc:
		sym, ok := c.lookupSymbol(lib, r.Symbol)
		if !ok {
			*missing = append(*missing, r.Symbol)
			return nil
		}
		return applyFn(lib, r.Offset, sym.value)
	}
	return nil
}
