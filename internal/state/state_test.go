package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sauzeros/mkrootfs/internal/codec"
)

func TestLoadMissing(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.IDs()) != 0 {
		t.Errorf("IDs = %v", s.IDs())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", ".buildstate")
	s := New(path)
	built := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put(ArtifactDescriptor{
		StageID:     "rootfs",
		OutputRoot:  "output/rootfs",
		Inputs:      []string{"overlay/etc/passwd"},
		ContentHash: "abc",
		BuiltAt:     built,
	})
	s.Put(ArtifactDescriptor{StageID: "kernel", ContentHash: "def", BuiltAt: built})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"kernel", "rootfs"}, got.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	d, ok := got.Get("rootfs")
	if !ok {
		t.Fatal("rootfs record missing")
	}
	want, _ := s.Get("rootfs")
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}

	// Encoding is deterministic.
	first, _ := os.ReadFile(path)
	if err := got.Save(); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Error("saving the same state produced different bytes")
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".buildstate")
	for name, data := range map[string][]byte{
		"garbage": []byte("this is not cbor at all \xff\xff"),
		"empty":   {},
	} {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		s, err := Load(path)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: err = %v, want ErrCorrupt", name, err)
		}
		if s == nil || len(s.IDs()) != 0 {
			t.Errorf("%s: want a usable empty state", name)
		}
	}
}

func TestLoadWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".buildstate")
	data, err := codec.Marshal(stateFile{Version: 99, Stages: map[string]ArtifactDescriptor{
		"rootfs": {StageID: "rootfs", ContentHash: "x"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
	if _, ok := s.Get("rootfs"); ok {
		t.Error("record from an unknown version was kept")
	}
}

func TestLoadDropsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".buildstate")
	data, err := codec.Marshal(stateFile{Version: formatVersion, Stages: map[string]ArtifactDescriptor{
		"good":     {StageID: "good", ContentHash: "h"},
		"nohash":   {StageID: "nohash"},
		"mismatch": {StageID: "other", ContentHash: "h"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"good"}, s.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "s"))
	s.Put(ArtifactDescriptor{StageID: "a", ContentHash: "1"})
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Error("Delete left the record")
	}
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".buildstate")
	a, b := New(path), New(path)
	if err := a.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := b.Lock(); !errors.Is(err, ErrLocked) {
		t.Errorf("second Lock err = %v, want ErrLocked", err)
	}
	if err := a.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := b.Lock(); err != nil {
		t.Errorf("Lock after Unlock: %v", err)
	}
	b.Unlock()
}
