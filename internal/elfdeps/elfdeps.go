// Package elfdeps reads what the dynamic linker would need to load an ELF
// object: its NEEDED entries, SONAME, RUNPATH and interpreter. Nothing is
// executed; the file's headers are parsed directly.
package elfdeps

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNotELF is returned for files that are not ELF objects, such as shell
// scripts installed under a binary name.
var ErrNotELF = errors.New("not an ELF object")

// Object is the dynamic-linking view of one ELF file.
type Object struct {
	Path    string
	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
	Soname  string
	Needed  []string
	Runpath []string // DT_RUNPATH, or DT_RPATH when no RUNPATH is present
	Interp  string   // PT_INTERP, empty for libraries and static binaries
}

// Compatible reports whether o can be loaded into a process built for
// other: same ELF class and machine.
func (o *Object) Compatible(other *Object) bool {
	if o == nil || other == nil {
		return true
	}
	return o.Class == other.Class && o.Machine == other.Machine
}

// Static reports whether the object has no dynamic dependencies at all.
func (o *Object) Static() bool {
	return len(o.Needed) == 0 && o.Interp == ""
}

// Inspect parses the ELF file at path.
func Inspect(path string) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || string(magic[:]) != elf.ELFMAG {
		return nil, fmt.Errorf("%s: %w", path, ErrNotELF)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrNotELF, err)
	}
	defer ef.Close()

	obj := &Object{
		Path:    path,
		Class:   ef.Class,
		Machine: ef.Machine,
		Type:    ef.Type,
	}

	if obj.Needed, err = ef.DynString(elf.DT_NEEDED); err != nil {
		return nil, fmt.Errorf("%s: reading NEEDED entries: %w", path, err)
	}
	sonames, err := ef.DynString(elf.DT_SONAME)
	if err != nil {
		return nil, fmt.Errorf("%s: reading SONAME: %w", path, err)
	}
	if len(sonames) > 0 {
		obj.Soname = sonames[0]
	}

	runpath, err := ef.DynString(elf.DT_RUNPATH)
	if err != nil {
		return nil, fmt.Errorf("%s: reading RUNPATH: %w", path, err)
	}
	if len(runpath) == 0 {
		if runpath, err = ef.DynString(elf.DT_RPATH); err != nil {
			return nil, fmt.Errorf("%s: reading RPATH: %w", path, err)
		}
	}
	obj.Runpath = runpath

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, fmt.Errorf("%s: reading interpreter: %w", path, err)
		}
		obj.Interp = strings.TrimRight(string(data), "\x00")
		break
	}
	return obj, nil
}
