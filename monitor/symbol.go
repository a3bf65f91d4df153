package monitor

import (
	"debug/elf"

	"twzcore/kernel"
)

// symbolInfo is everything a relocation needs once a name has resolved:
// which library defines it and its value (here, its ELF-reported virtual
// address, offset-adjusted the same way the library's own load base is).
type symbolInfo struct {
	lib   *Library
	value uint64
}

type symbolTable map[string]symbolInfo

// collectSymbols records every defined (non-undefined, non-local) symbol an
// ELF file exports, so later libraries in the dependency graph can resolve
// references into it.
func (c *Context) collectSymbols(lib *Library, f *elf.File) *kernel.Error {
	syms, err := f.DynamicSymbols()
	if err != nil {
		// A library with no dynamic symbol table exports nothing; not an
		// error, just nothing for dependents to resolve against.
		return nil
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" || elf.ST_BIND(s.Info) == elf.STB_LOCAL {
			continue
		}
		if _, exists := lib.Symbols[s.Name]; exists {
			return errDuplicateSymbol
		}
		lib.Symbols[s.Name] = symbolInfo{lib: lib, value: s.Value}
	}
	return nil
}

// lookupSymbol implements the scope-walk rule: search the calling library's
// own symbol table, then each of its dependencies' (recursively, depth
// first), and only once that whole subgraph has been exhausted fall back to
// a lookup across every library in the context.
func (c *Context) lookupSymbol(from *Library, name string) (symbolInfo, bool) {
	if info, ok := c.lookupScope(from, name, make(map[*Library]bool)); ok {
		return info, true
	}
	for _, lib := range c.libraries {
		if info, ok := lib.Symbols[name]; ok {
			return info, true
		}
	}
	return symbolInfo{}, false
}

func (c *Context) lookupScope(lib *Library, name string, visited map[*Library]bool) (symbolInfo, bool) {
	if visited[lib] {
		return symbolInfo{}, false
	}
	visited[lib] = true

	if info, ok := lib.Symbols[name]; ok {
		return info, true
	}
	for _, dep := range lib.Deps {
		if info, ok := c.lookupScope(dep, name, visited); ok {
			return info, true
		}
	}
	return symbolInfo{}, false
}
