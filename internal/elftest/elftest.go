// Package elftest writes small ELF32 executables for tests. The files carry
// program headers only, which is all the loaders in this module look at.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"
)

const (
	ehdrSize = 52
	phdrSize = 32
	shdrSize = 40
)

// Segment is one program header plus its file contents.
type Segment struct {
	Type  elf.ProgType // defaults to PT_LOAD
	Vaddr uint32
	Paddr uint32 // defaults to Vaddr
	Data  []byte
	Memsz uint32 // defaults to len(Data); larger values model .bss
}

// Spec describes the executable to generate.
type Spec struct {
	Machine  elf.Machine // defaults to EM_ARM
	Type     elf.Type    // defaults to ET_EXEC
	Data     elf.Data    // defaults to ELFDATA2LSB
	Entry    uint32
	Segments []Segment
}

// Build serializes spec as an ELF32 image.
func Build(spec Spec) []byte {
	machine := spec.Machine
	if machine == 0 {
		machine = elf.EM_ARM
	}
	typ := spec.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	data := spec.Data
	if data == 0 {
		data = elf.ELFDATA2LSB
	}
	var order binary.ByteOrder = binary.LittleEndian
	if data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	var buf bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(data), byte(elf.EV_CURRENT)}
	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     spec.Entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(spec.Segments)),
		Shentsize: shdrSize,
	}
	copy(hdr.Ident[:], ident[:])
	binary.Write(&buf, order, hdr)

	offset := uint32(ehdrSize + phdrSize*len(spec.Segments))
	for _, seg := range spec.Segments {
		typ := seg.Type
		if typ == 0 {
			typ = elf.PT_LOAD
		}
		paddr := seg.Paddr
		if paddr == 0 {
			paddr = seg.Vaddr
		}
		memsz := seg.Memsz
		if memsz < uint32(len(seg.Data)) {
			memsz = uint32(len(seg.Data))
		}
		binary.Write(&buf, order, elf.Prog32{
			Type:   uint32(typ),
			Off:    offset,
			Vaddr:  seg.Vaddr,
			Paddr:  paddr,
			Filesz: uint32(len(seg.Data)),
			Memsz:  memsz,
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Align:  4,
		})
		offset += uint32(len(seg.Data))
	}
	for _, seg := range spec.Segments {
		buf.Write(seg.Data)
	}
	return buf.Bytes()
}

// Write stores the executable at path and fails the test on error.
func Write(t testing.TB, path string, spec Spec) {
	t.Helper()
	if err := os.WriteFile(path, Build(spec), 0o644); err != nil {
		t.Fatalf("elftest: write %s: %v", path, err)
	}
}

// Firmware returns a typical Cortex-M layout: vector table and code in
// flash, initialised data stored after the code in flash but linked to RAM,
// and a .bss segment that has no file contents.
func Firmware() Spec {
	vectors := make([]byte, 0x100)
	for i := range vectors {
		vectors[i] = byte(i)
	}
	text := make([]byte, 0x6A2)
	for i := range text {
		text[i] = byte(i*7 + 3)
	}
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}

	return Spec{
		Entry: 0x08000101,
		Segments: []Segment{
			{Vaddr: 0x08000000, Data: vectors},
			{Vaddr: 0x08000100, Data: text},
			{Vaddr: 0x20000000, Paddr: 0x080007A4, Data: data},
			{Vaddr: 0x20000008, Memsz: 0x400},
		},
	}
}
