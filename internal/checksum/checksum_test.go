package checksum

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lukechampine.com/blake3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestFileMatchesBlake3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libc.so.6")
	writeFile(t, path, "ELF bytes")

	got, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	sum := blake3.Sum256([]byte("ELF bytes"))
	if want := fmt.Sprintf("%x", sum[:]); got != want {
		t.Errorf("File = %s, want %s", got, want)
	}
	if got != String("ELF bytes") {
		t.Errorf("File and String disagree for the same content")
	}
}

func TestFileNonexistent(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("File succeeded for a missing path")
	}
}

func TestFilesParallel(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 40; i++ {
		p := filepath.Join(dir, fmt.Sprintf("f%02d", i))
		writeFile(t, p, fmt.Sprintf("content %d", i))
		paths = append(paths, p)
	}

	sums, err := Files(paths)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(sums) != len(paths) {
		t.Fatalf("got %d digests, want %d", len(sums), len(paths))
	}
	for i, p := range paths {
		if want := String(fmt.Sprintf("content %d", i)); sums[p] != want {
			t.Errorf("digest of %s = %s, want %s", p, sums[p], want)
		}
	}
}

func TestFilesReportsError(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok")
	writeFile(t, ok, "x")
	sums, err := Files([]string{ok, filepath.Join(dir, "missing")})
	if err == nil {
		t.Fatal("Files succeeded with a missing path")
	}
	if _, found := sums[ok]; !found {
		t.Error("successful digest dropped on partial failure")
	}
}

func TestSame(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	writeFile(t, a, "same")
	writeFile(t, b, "same")
	writeFile(t, c, "diff")

	if same, err := Same(a, b); err != nil || !same {
		t.Errorf("Same(a, b) = %v, %v; want true", same, err)
	}
	if same, err := Same(a, c); err != nil || same {
		t.Errorf("Same(a, c) = %v, %v; want false", same, err)
	}
	if same, err := Same(a, filepath.Join(dir, "absent")); err != nil || same {
		t.Errorf("Same(a, absent) = %v, %v; want false, nil", same, err)
	}
}
