package elfdeps

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sauzeros/mkrootfs/internal/elfdeps/elftest"
)

func TestInspectLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libtinfo.so.6.3")
	elftest.Write(t, path, elftest.Spec{
		Soname:  "libtinfo.so.6",
		Needed:  []string{"libc.so.6"},
		Runpath: "$ORIGIN/../lib",
	})

	obj, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if obj.Soname != "libtinfo.so.6" {
		t.Errorf("Soname = %q", obj.Soname)
	}
	if diff := cmp.Diff([]string{"libc.so.6"}, obj.Needed); diff != "" {
		t.Errorf("Needed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"$ORIGIN/../lib"}, obj.Runpath); diff != "" {
		t.Errorf("Runpath mismatch (-want +got):\n%s", diff)
	}
	if obj.Class != elf.ELFCLASS64 || obj.Machine != elf.EM_X86_64 || obj.Type != elf.ET_DYN {
		t.Errorf("header = %v/%v/%v", obj.Class, obj.Machine, obj.Type)
	}
	if obj.Interp != "" {
		t.Errorf("library has Interp %q", obj.Interp)
	}
}

func TestInspectExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bash")
	elftest.Write(t, path, elftest.Executable("libtinfo.so.6", "libc.so.6"))

	obj, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if diff := cmp.Diff([]string{"libtinfo.so.6", "libc.so.6"}, obj.Needed); diff != "" {
		t.Errorf("Needed order not preserved (-want +got):\n%s", diff)
	}
	if obj.Interp != "/lib64/ld-linux-x86-64.so.2" {
		t.Errorf("Interp = %q", obj.Interp)
	}
	if obj.Static() {
		t.Error("dynamic executable reported as static")
	}
}

func TestInspectStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busybox")
	elftest.Write(t, path, elftest.Spec{Type: elf.ET_EXEC})

	obj, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !obj.Static() {
		t.Errorf("object = %+v, want static", obj)
	}
}

func TestInspectNotELF(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"script": "#!/bin/sh\necho hi\n",
		"empty":  "",
		"broken": "\x7fELF\x02\x01", // truncated header
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
		if _, err := Inspect(path); !errors.Is(err, ErrNotELF) {
			t.Errorf("Inspect(%s) err = %v, want ErrNotELF", name, err)
		}
	}

	if _, err := Inspect(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestCompatible(t *testing.T) {
	dir := t.TempDir()
	p64 := filepath.Join(dir, "64")
	p32 := filepath.Join(dir, "32")
	elftest.Write(t, p64, elftest.Library("libz.so.1"))
	elftest.Write(t, p32, elftest.Spec{Class: elf.ELFCLASS32, Soname: "libz.so.1"})

	o64, err := Inspect(p64)
	if err != nil {
		t.Fatalf("Inspect 64: %v", err)
	}
	o32, err := Inspect(p32)
	if err != nil {
		t.Fatalf("Inspect 32: %v", err)
	}
	if o32.Class != elf.ELFCLASS32 || o32.Machine != elf.EM_386 || o32.Soname != "libz.so.1" {
		t.Fatalf("32-bit object = %+v", o32)
	}
	if o64.Compatible(o32) {
		t.Error("64-bit and 32-bit objects reported compatible")
	}
	if !o64.Compatible(o64) {
		t.Error("object not compatible with itself")
	}
	var none *Object
	if !none.Compatible(o64) {
		t.Error("nil requester should accept anything")
	}
}
