package monitor

import (
	"bytes"
	"encoding/binary"
)

// buildMinimalELF constructs a minimal ET_DYN ELF64 image with a single
// PT_LOAD program header covering payload, and no section headers at all —
// debug/elf reads program headers independently of the section header
// table, and neither DynamicSymbols nor DynString need anything once there
// is no .dynamic section to find, which is exactly what Load's symbol and
// DT_NEEDED lookups already tolerate.
func buildMinimalELF(vaddr uint64, writable bool, payload []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	offset := uint64(ehdrSize + phdrSize)

	buf := &bytes.Buffer{}

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(3))  // e_type = ET_DYN
	binary.Write(buf, binary.LittleEndian, uint16(62)) // e_machine = EM_X86_64
	binary.Write(buf, binary.LittleEndian, uint32(1))  // e_version
	binary.Write(buf, binary.LittleEndian, uint64(0))  // e_entry
	binary.Write(buf, binary.LittleEndian, uint64(ehdrSize)) // e_phoff
	binary.Write(buf, binary.LittleEndian, uint64(0))  // e_shoff
	binary.Write(buf, binary.LittleEndian, uint32(0))  // e_flags
	binary.Write(buf, binary.LittleEndian, uint16(ehdrSize)) // e_ehsize
	binary.Write(buf, binary.LittleEndian, uint16(phdrSize)) // e_phentsize
	binary.Write(buf, binary.LittleEndian, uint16(1))  // e_phnum
	binary.Write(buf, binary.LittleEndian, uint16(0))  // e_shentsize
	binary.Write(buf, binary.LittleEndian, uint16(0))  // e_shnum
	binary.Write(buf, binary.LittleEndian, uint16(0))  // e_shstrndx

	flags := uint32(1 | 4) // PF_X | PF_R
	if writable {
		flags = 1 | 2 | 4 // PF_X | PF_W | PF_R
	}
	binary.Write(buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
	binary.Write(buf, binary.LittleEndian, flags)
	binary.Write(buf, binary.LittleEndian, offset)               // p_offset
	binary.Write(buf, binary.LittleEndian, vaddr)                // p_vaddr
	binary.Write(buf, binary.LittleEndian, vaddr)                // p_paddr
	binary.Write(buf, binary.LittleEndian, uint64(len(payload))) // p_filesz
	binary.Write(buf, binary.LittleEndian, uint64(len(payload))) // p_memsz
	binary.Write(buf, binary.LittleEndian, uint64(0x1000))       // p_align

	buf.Write(payload)

	return buf.Bytes()
}

// buildTwoPhdrELF constructs an ET_DYN ELF64 image with two PT_LOAD program
// headers: a read-only "text" segment and a writable "data" segment, each
// with its own file-backed payload.
func buildTwoPhdrELF(textVAddr uint64, text []byte, dataVAddr uint64, data []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	textOff := uint64(ehdrSize + 2*phdrSize)
	dataOff := textOff + uint64(len(text))

	buf := &bytes.Buffer{}

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(3))
	binary.Write(buf, binary.LittleEndian, uint16(62))
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint64(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	writePhdr := func(vaddr, off uint64, sz int, flags uint32) {
		binary.Write(buf, binary.LittleEndian, uint32(1)) // PT_LOAD
		binary.Write(buf, binary.LittleEndian, flags)
		binary.Write(buf, binary.LittleEndian, off)
		binary.Write(buf, binary.LittleEndian, vaddr)
		binary.Write(buf, binary.LittleEndian, vaddr)
		binary.Write(buf, binary.LittleEndian, uint64(sz))
		binary.Write(buf, binary.LittleEndian, uint64(sz))
		binary.Write(buf, binary.LittleEndian, uint64(0x1000))
	}
	writePhdr(textVAddr, textOff, len(text), 1|4)   // PF_X | PF_R
	writePhdr(dataVAddr, dataOff, len(data), 2|4) // PF_W | PF_R

	buf.Write(text)
	buf.Write(data)

	return buf.Bytes()
}
