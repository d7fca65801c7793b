package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mkrootfs.conf")
	content := strings.Join([]string{
		"# pool roots",
		`MKROOTFS_POOL="/srv/pool/baseos:/srv/pool/appstream"`,
		"MKROOTFS_OUTPUT=/var/tmp/out",
		"MKROOTFS_JOBS=3",
		"not a setting",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("MKROOTFS_STRICT", "0")
	t.Setenv("MKROOTFS_JOBS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.PoolRoots) != 2 || cfg.PoolRoots[0] != "/srv/pool/baseos" || cfg.PoolRoots[1] != "/srv/pool/appstream" {
		t.Errorf("PoolRoots = %v", cfg.PoolRoots)
	}
	if cfg.OutputDir != "/var/tmp/out" {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if cfg.StateFile != "/var/tmp/out/.buildstate" {
		t.Errorf("StateFile = %q", cfg.StateFile)
	}
	if cfg.Strict {
		t.Error("Strict = true, want false from environment override")
	}
	if cfg.Jobs != 5 {
		t.Errorf("Jobs = %d, want 5 (env wins over file)", cfg.Jobs)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Strict {
		t.Error("strict mode should be the default")
	}
	if cfg.OutputDir != "output" || cfg.ManifestFile != "pipeline.yaml" {
		t.Errorf("defaults = %q, %q", cfg.OutputDir, cfg.ManifestFile)
	}
	if cfg.Jobs < 1 {
		t.Errorf("Jobs = %d", cfg.Jobs)
	}
}

func TestLoadRejectsBadJobs(t *testing.T) {
	t.Setenv("MKROOTFS_JOBS", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.conf")); err == nil {
		t.Fatal("Load accepted a non-numeric job count")
	}
}

func TestParseManifest(t *testing.T) {
	data := []byte(`
stages:
  - id: kernel
    kind: kernel
    inputs: [kconfig]
    params:
      target: bzImage
  - id: rootfs
    kind: rootfs
    output: out/rootfs
    requests: [bash, ls]
    upstream: [kernel]
    required: [bin/bash]
`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Stages) != 2 {
		t.Fatalf("len(Stages) = %d", len(m.Stages))
	}
	rootfs, ok := m.Stage("rootfs")
	if !ok {
		t.Fatal("rootfs stage not found")
	}
	if rootfs.Upstream[0] != "kernel" || len(rootfs.Requests) != 2 {
		t.Errorf("rootfs = %+v", rootfs)
	}
	if m.Stages[0].Params["target"] != "bzImage" {
		t.Errorf("kernel params = %v", m.Stages[0].Params)
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "stages: []"},
		{"no id", "stages:\n  - kind: rootfs\n"},
		{"no kind", "stages:\n  - id: rootfs\n"},
		{"duplicate", "stages:\n  - {id: a, kind: rootfs}\n  - {id: a, kind: kernel}\n"},
		{"bad yaml", "stages: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.data)); err == nil {
				t.Errorf("ParseManifest(%q) succeeded", tt.data)
			}
		})
	}
}

func TestLoadManifestResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	data := "stages:\n  - id: rootfs\n    kind: rootfs\n    output: out/rootfs\n    inputs: [etc/motd, /abs/file]\n" +
		"  - id: initramfs\n    kind: bootimage\n    params:\n      init: files/init\n      format: cpio\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	s := m.Stages[0]
	if s.Output != filepath.Join(dir, "out/rootfs") {
		t.Errorf("Output = %q", s.Output)
	}
	if s.Inputs[0] != filepath.Join(dir, "etc/motd") || s.Inputs[1] != "/abs/file" {
		t.Errorf("Inputs = %v", s.Inputs)
	}
	want := map[string]string{"init": filepath.Join(dir, "files/init"), "format": "cpio"}
	if diff := cmp.Diff(want, m.Stages[1].Params); diff != "" {
		t.Errorf("Params mismatch (-want +got):\n%s", diff)
	}
}
