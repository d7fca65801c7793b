package assemble

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/elfdeps/elftest"
	"github.com/sauzeros/mkrootfs/internal/pool"
	"github.com/sauzeros/mkrootfs/internal/resolve"
)

func resolveIn(t *testing.T, names []string, roots ...string) *resolve.Closure {
	t.Helper()
	p, err := pool.New(roots...)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	c, err := resolve.Resolve(context.Background(), names, p, pool.DefaultPolicy(), resolve.Options{Jobs: 4})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return c
}

func bashPool(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	elftest.Write(t, filepath.Join(root, "usr/bin/bash"), elftest.Spec{Type: elf.ET_EXEC, Needed: []string{"libtinfo.so.6", "libc.so.6"}})
	elftest.Write(t, filepath.Join(root, "usr/lib64/libtinfo.so.6.3"), elftest.Library("libtinfo.so.6", "libc.so.6"))
	if err := os.Symlink("libtinfo.so.6.3", filepath.Join(root, "usr/lib64/libtinfo.so.6")); err != nil {
		t.Fatal(err)
	}
	elftest.Write(t, filepath.Join(root, "usr/lib64/libc.so.6"), elftest.Library("libc.so.6"))
	// upstream packaging mistakes that must not leak into the image
	if err := os.Chmod(filepath.Join(root, "usr/bin/bash"), 0o4777); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(root, "usr/lib64/libc.so.6"), 0o777); err != nil {
		t.Fatal(err)
	}
	return root
}

func mode(t *testing.T, p string) os.FileMode {
	t.Helper()
	info, err := os.Lstat(p)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	return info.Mode()
}

func TestAssembleBashLayout(t *testing.T) {
	src := bashPool(t)
	out := filepath.Join(t.TempDir(), "out")
	c := resolveIn(t, []string{"bash"}, src)

	report, err := Assemble(c, out, DefaultRules(), Options{Jobs: 2})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	wantPaths := []string{"bin/bash", "lib/libc.so.6", "lib/libtinfo.so.6", "lib/libtinfo.so.6.3"}
	if diff := cmp.Diff(wantPaths, report.Paths); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
	if report.Copied != 3 || report.Symlinks != 1 || report.Skipped != 0 {
		t.Errorf("report = %+v, want 3 copied, 1 symlink", report)
	}

	if m := mode(t, filepath.Join(out, "bin/bash")); m != ExecMode {
		t.Errorf("bin/bash mode = %v, want %v", m, ExecMode)
	}
	if m := mode(t, filepath.Join(out, "lib/libc.so.6")); m != FileMode {
		t.Errorf("lib/libc.so.6 mode = %v, want %v", m, FileMode)
	}
	target, err := os.Readlink(filepath.Join(out, "lib/libtinfo.so.6"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "libtinfo.so.6.3" {
		t.Errorf("libtinfo.so.6 -> %q, want relative libtinfo.so.6.3", target)
	}
	if m := mode(t, filepath.Join(out, "lib/libtinfo.so.6.3")); !m.IsRegular() {
		t.Errorf("libtinfo.so.6.3 is %v, want a regular file", m)
	}
}

func TestAssembleIdempotent(t *testing.T) {
	src := bashPool(t)
	out := t.TempDir()
	c := resolveIn(t, []string{"bash"}, src)

	if _, err := Assemble(c, out, DefaultRules(), Options{}); err != nil {
		t.Fatalf("first Assemble: %v", err)
	}
	before, err := checksum.Tree(out)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	bashInfo, _ := os.Stat(filepath.Join(out, "bin/bash"))

	report, err := Assemble(c, out, DefaultRules(), Options{})
	if err != nil {
		t.Fatalf("second Assemble: %v", err)
	}
	if report.Copied != 0 || report.Symlinks != 0 {
		t.Errorf("second run wrote files: %+v", report)
	}
	if report.Skipped != 4 {
		t.Errorf("Skipped = %d, want 4", report.Skipped)
	}
	after, err := checksum.Tree(out)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if before != after {
		t.Error("tree changed on second run")
	}
	again, _ := os.Stat(filepath.Join(out, "bin/bash"))
	if !again.ModTime().Equal(bashInfo.ModTime()) {
		t.Error("bin/bash was rewritten")
	}
}

func TestAssembleRewritesChangedContent(t *testing.T) {
	src := bashPool(t)
	out := t.TempDir()
	c := resolveIn(t, []string{"bash"}, src)
	if _, err := Assemble(c, out, DefaultRules(), Options{}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "lib/libc.so.6"), []byte("tampered"), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := Assemble(c, out, DefaultRules(), Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if report.Copied != 1 {
		t.Errorf("Copied = %d, want 1", report.Copied)
	}
	if m := mode(t, filepath.Join(out, "lib/libc.so.6")); m != FileMode {
		t.Errorf("mode = %v after rewrite", m)
	}
}

func TestAssembleSharedLibraryOnce(t *testing.T) {
	src := bashPool(t)
	elftest.Write(t, filepath.Join(src, "usr/bin/ls"), elftest.Spec{Type: elf.ET_EXEC, Needed: []string{"libc.so.6"}})
	out := t.TempDir()

	report, err := Assemble(resolveIn(t, []string{"bash", "ls"}, src), out, DefaultRules(), Options{Jobs: 4})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	count := 0
	for _, p := range report.Paths {
		if p == "lib/libc.so.6" {
			count++
		}
	}
	if count != 1 || report.Copied != 4 {
		t.Errorf("libc.so.6 listed %d times, copied %d files", count, report.Copied)
	}
}

func TestAssembleAmbiguousDestination(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	elftest.Write(t, filepath.Join(first, "usr/bin/app"), elftest.Spec{Type: elf.ET_EXEC, Needed: []string{"libx.so.1"}})
	elftest.Write(t, filepath.Join(first, "usr/lib64/libx.so.1"), elftest.Library("libx.so.1"))
	// A different file with the same basename, reached through a direct request.
	elftest.Write(t, filepath.Join(second, "opt/lib/libx.so.1"), elftest.Spec{Soname: "libx.so.1", Padding: "other"})

	c := resolveIn(t, []string{"app", "opt/lib/libx.so.1"}, first, second)
	rules := DefaultRules()
	rules.Preserve = nil
	// Direct requests keep their path, so force a collision through the rules.
	rules.LibraryDir = "opt/lib"

	out := t.TempDir()
	_, err := Assemble(c, out, rules, Options{})
	var amb AmbiguousDestinationError
	if !errors.As(err, &amb) {
		t.Fatalf("err = %v, want AmbiguousDestinationError", err)
	}
	if amb.Dest != "opt/lib/libx.so.1" || amb.SourceA == amb.SourceB {
		t.Errorf("error = %+v", amb)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("target written despite ambiguous plan: %v", entries)
	}
}

func TestAssembleIdenticalSourcesAreNotAmbiguous(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	elftest.Write(t, filepath.Join(first, "usr/bin/a"), elftest.Spec{Type: elf.ET_EXEC, Needed: []string{"liby.so.1"}})
	elftest.Write(t, filepath.Join(first, "usr/lib64/liby.so.1"), elftest.Library("liby.so.1"))
	elftest.Write(t, filepath.Join(second, "lib/liby.so.1"), elftest.Library("liby.so.1"))

	c := resolveIn(t, []string{"a", "lib/liby.so.1"}, first, second)
	rules := DefaultRules()
	if _, err := Assemble(c, t.TempDir(), rules, Options{}); err != nil {
		t.Errorf("identical content reported as conflict: %v", err)
	}
}

func TestAssembleCopyFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	src := bashPool(t)
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "lib"), 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(filepath.Join(out, "lib"), 0o755) })

	_, err := Assemble(resolveIn(t, []string{"bash"}, src), out, DefaultRules(), Options{})
	var cf *CopyFailureError
	if !errors.As(err, &cf) {
		t.Fatalf("err = %v, want CopyFailureError", err)
	}
}

func TestAssembleOpaqueEntries(t *testing.T) {
	src := bashPool(t)
	if err := os.WriteFile(filepath.Join(src, "usr/bin/ldd"), []byte("#!/bin/bash\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	c := resolveIn(t, []string{"ldd"}, src)
	if _, err := Assemble(c, out, DefaultRules(), Options{}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if m := mode(t, filepath.Join(out, "bin/ldd")); m != ExecMode {
		t.Errorf("bin/ldd mode = %v", m)
	}
}

func TestDestination(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		entry resolve.Entry
		want  string
	}{
		{resolve.Entry{Name: "bash", Kind: pool.Binary, Rel: "usr/bin/bash"}, "bin/bash"},
		{resolve.Entry{Name: "libc.so.6", Kind: pool.Library, Rel: "usr/lib64/libc.so.6"}, "lib/libc.so.6"},
		{resolve.Entry{Name: "libsystemd-shared-255.so", Kind: pool.Library, Rel: "usr/lib64/systemd/libsystemd-shared-255.so"}, "usr/lib64/systemd/libsystemd-shared-255.so"},
		{resolve.Entry{Name: "/lib64/ld-linux-x86-64.so.2", Kind: pool.Direct, Interpreter: true, Rel: "lib64/ld-linux-x86-64.so.2"}, "lib64/ld-linux-x86-64.so.2"},
		{resolve.Entry{Name: "usr/share/zoneinfo/UTC", Kind: pool.Direct, Rel: "usr/share/zoneinfo/UTC"}, "usr/share/zoneinfo/UTC"},
	}
	for _, tt := range tests {
		if got := rules.Destination(tt.entry); got != tt.want {
			t.Errorf("Destination(%s) = %q, want %q", tt.entry.Name, got, tt.want)
		}
	}
}
