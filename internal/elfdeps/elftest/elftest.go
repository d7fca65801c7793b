// Package elftest writes small, valid ELF objects for tests. They carry a
// dynamic section (NEEDED, SONAME, RUNPATH) and optionally a PT_INTERP
// program header, which is all the dependency resolver looks at.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Spec describes the object to write.
type Spec struct {
	Class   elf.Class   // defaults to ELFCLASS64
	Machine elf.Machine // defaults to EM_X86_64
	Type    elf.Type    // defaults to ET_DYN
	Soname  string
	Needed  []string
	Runpath string
	Interp  string
	// Padding is appended to the string table so otherwise identical
	// objects can have different content.
	Padding string
}

// Library is a shorthand for a shared object with a soname.
func Library(soname string, needed ...string) Spec {
	return Spec{Soname: soname, Needed: needed}
}

// Executable is a shorthand for a PIE binary using the x86-64 loader.
func Executable(needed ...string) Spec {
	return Spec{Type: elf.ET_EXEC, Needed: needed, Interp: "/lib64/ld-linux-x86-64.so.2"}
}

// Write creates the object at path (parents included) with mode 0644.
func Write(t testing.TB, path string, spec Spec) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("elftest: MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, Bytes(spec), 0o644); err != nil {
		t.Fatalf("elftest: WriteFile: %v", err)
	}
}

type layout struct {
	is64                   bool
	ehsize, phsize, shsize int
	dynsize                int
	order                  binary.AppendByteOrder
}

// Bytes renders spec as an ELF image.
func Bytes(spec Spec) []byte {
	if spec.Class == elf.ELFCLASSNONE {
		spec.Class = elf.ELFCLASS64
	}
	if spec.Machine == elf.EM_NONE {
		spec.Machine = elf.EM_X86_64
		if spec.Class == elf.ELFCLASS32 {
			spec.Machine = elf.EM_386
		}
	}
	if spec.Type == elf.ET_NONE {
		spec.Type = elf.ET_DYN
	}

	l := layout{is64: spec.Class == elf.ELFCLASS64, order: binary.LittleEndian}
	if l.is64 {
		l.ehsize, l.phsize, l.shsize, l.dynsize = 64, 56, 64, 16
	} else {
		l.ehsize, l.phsize, l.shsize, l.dynsize = 52, 32, 40, 8
	}

	// .dynstr
	dynstr := []byte{0}
	addStr := func(s string) uint64 {
		off := uint64(len(dynstr))
		dynstr = append(dynstr, s...)
		dynstr = append(dynstr, 0)
		return off
	}
	type dyn struct {
		tag elf.DynTag
		val uint64
	}
	var dyns []dyn
	for _, n := range spec.Needed {
		dyns = append(dyns, dyn{elf.DT_NEEDED, addStr(n)})
	}
	if spec.Soname != "" {
		dyns = append(dyns, dyn{elf.DT_SONAME, addStr(spec.Soname)})
	}
	if spec.Runpath != "" {
		dyns = append(dyns, dyn{elf.DT_RUNPATH, addStr(spec.Runpath)})
	}
	if spec.Padding != "" {
		addStr(spec.Padding)
	}
	dyns = append(dyns, dyn{elf.DT_NULL, 0})

	var dynamic []byte
	for _, d := range dyns {
		if l.is64 {
			dynamic = l.order.AppendUint64(dynamic, uint64(d.tag))
			dynamic = l.order.AppendUint64(dynamic, d.val)
		} else {
			dynamic = l.order.AppendUint32(dynamic, uint32(d.tag))
			dynamic = l.order.AppendUint32(dynamic, uint32(d.val))
		}
	}

	shstrtab := []byte("\x00.dynstr\x00.dynamic\x00.shstrtab\x00.interp\x00")
	const (
		nameDynstr   = 1
		nameDynamic  = 9
		nameShstrtab = 18
		nameInterp   = 28
	)

	var interp []byte
	if spec.Interp != "" {
		interp = append([]byte(spec.Interp), 0)
	}

	phnum := 0
	if interp != nil {
		phnum = 1
	}

	// File layout: header | phdrs | interp | dynstr | dynamic | shstrtab | shdrs
	off := l.ehsize + phnum*l.phsize
	interpOff := off
	off += len(interp)
	dynstrOff := off
	off += len(dynstr)
	off = align(off, 8)
	dynamicOff := off
	off += len(dynamic)
	shstrOff := off
	off += len(shstrtab)
	off = align(off, 8)
	shoff := off

	type section struct {
		name, typ      uint32
		off, size      int
		link           uint32
		entsize, align int
	}
	sections := []section{
		{},
		{name: nameDynstr, typ: uint32(elf.SHT_STRTAB), off: dynstrOff, size: len(dynstr), align: 1},
		{name: nameDynamic, typ: uint32(elf.SHT_DYNAMIC), off: dynamicOff, size: len(dynamic), link: 1, entsize: l.dynsize, align: 8},
		{name: nameShstrtab, typ: uint32(elf.SHT_STRTAB), off: shstrOff, size: len(shstrtab), align: 1},
	}
	if interp != nil {
		sections = append(sections, section{name: nameInterp, typ: uint32(elf.SHT_PROGBITS), off: interpOff, size: len(interp), align: 1})
	}

	var buf bytes.Buffer
	w := func(b []byte) { buf.Write(b) }
	u16 := func(v uint16) { w(l.order.AppendUint16(nil, v)) }
	u32 := func(v uint32) { w(l.order.AppendUint32(nil, v)) }
	word := func(v uint64) {
		if l.is64 {
			w(l.order.AppendUint64(nil, v))
		} else {
			u32(uint32(v))
		}
	}

	// ELF header
	ident := make([]byte, elf.EI_NIDENT)
	copy(ident, elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(spec.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w(ident)
	u16(uint16(spec.Type))
	u16(uint16(spec.Machine))
	u32(uint32(elf.EV_CURRENT))
	word(0) // entry
	if phnum > 0 {
		word(uint64(l.ehsize))
	} else {
		word(0)
	}
	word(uint64(shoff))
	u32(0) // flags
	u16(uint16(l.ehsize))
	u16(uint16(l.phsize))
	u16(uint16(phnum))
	u16(uint16(l.shsize))
	u16(uint16(len(sections)))
	u16(3) // shstrndx

	// program headers
	if phnum > 0 {
		if l.is64 {
			u32(uint32(elf.PT_INTERP))
			u32(uint32(elf.PF_R))
			word(uint64(interpOff))
			word(uint64(interpOff))
			word(uint64(interpOff))
			word(uint64(len(interp)))
			word(uint64(len(interp)))
			word(1)
		} else {
			u32(uint32(elf.PT_INTERP))
			u32(uint32(interpOff))
			u32(uint32(interpOff))
			u32(uint32(interpOff))
			u32(uint32(len(interp)))
			u32(uint32(len(interp)))
			u32(uint32(elf.PF_R))
			u32(1)
		}
	}

	w(interp)
	w(dynstr)
	pad(&buf, dynamicOff)
	w(dynamic)
	w(shstrtab)
	pad(&buf, shoff)

	for _, s := range sections {
		u32(s.name)
		u32(s.typ)
		word(0) // flags
		word(0) // addr
		word(uint64(s.off))
		word(uint64(s.size))
		u32(s.link)
		u32(0) // info
		word(uint64(s.align))
		word(uint64(s.entsize))
	}
	return buf.Bytes()
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

func pad(buf *bytes.Buffer, to int) {
	for buf.Len() < to {
		buf.WriteByte(0)
	}
}
