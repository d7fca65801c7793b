package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/config"
	"github.com/sauzeros/mkrootfs/internal/state"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	order   []string
	fail    string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(_ context.Context, key, path string) error {
	if key == f.fail {
		return errors.New("connection reset")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return f.Put(context.Background(), key, data)
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	f.order = append(f.order, key)
	return nil
}

func builtState(t *testing.T) (*state.BuildState, string, string) {
	t.Helper()
	dir := t.TempDir()
	image := filepath.Join(dir, "rootfs.tar.xz")
	kernel := filepath.Join(dir, "vmlinuz")
	for p, content := range map[string]string{image: "rootfs", kernel: "kernel"} {
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	st := state.New(filepath.Join(dir, ".buildstate"))
	built := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st.Put(state.ArtifactDescriptor{StageID: "kernel", OutputRoot: kernel, ContentHash: "k1", Artifacts: []string{kernel}, BuiltAt: built})
	st.Put(state.ArtifactDescriptor{StageID: "rootfs", OutputRoot: filepath.Join(dir, "rootfs"), ContentHash: "r1", OutputDigest: "d1", Artifacts: []string{image}, BuiltAt: built})
	st.Put(state.ArtifactDescriptor{StageID: "tree", OutputRoot: dir, ContentHash: "t1", Artifacts: []string{dir}, BuiltAt: built})
	return st, image, kernel
}

func TestPublish(t *testing.T) {
	st, image, kernel := builtState(t)
	store := newFakeStore()

	m, err := Publish(context.Background(), store, st, []string{"kernel", "rootfs"}, Options{Prefix: "nightly", Jobs: 4})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	keys := append([]string(nil), store.order...)
	if last := keys[len(keys)-1]; last != "nightly/manifest.json" {
		t.Errorf("last upload = %s, want the manifest", last)
	}
	sort.Strings(keys)
	want := []string{"nightly/kernel/vmlinuz", "nightly/manifest.json", "nightly/rootfs/rootfs.tar.xz"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}

	imageSum, _ := checksum.File(image)
	kernelSum, _ := checksum.File(kernel)
	built := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	wantManifest := &Manifest{
		Prefix: "nightly",
		Stages: []StageManifest{
			{ID: "kernel", ContentHash: "k1", BuiltAt: built, Files: []File{{Key: "nightly/kernel/vmlinuz", Size: 6, Blake3: kernelSum}}},
			{ID: "rootfs", ContentHash: "r1", OutputDigest: "d1", BuiltAt: built, Files: []File{{Key: "nightly/rootfs/rootfs.tar.xz", Size: 6, Blake3: imageSum}}},
		},
	}
	if diff := cmp.Diff(wantManifest, m); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}

	var uploaded Manifest
	if err := json.Unmarshal(store.objects["nightly/manifest.json"], &uploaded); err != nil {
		t.Fatalf("uploaded manifest: %v", err)
	}
	if diff := cmp.Diff(wantManifest, &uploaded); diff != "" {
		t.Errorf("uploaded manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishSkipsDirectories(t *testing.T) {
	st, _, _ := builtState(t)
	store := newFakeStore()
	m, err := Publish(context.Background(), store, st, []string{"tree"}, Options{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(m.Stages) != 1 || len(m.Stages[0].Files) != 0 {
		t.Errorf("manifest = %+v", m)
	}
	if diff := cmp.Diff([]string{"manifest.json"}, store.order); diff != "" {
		t.Errorf("uploads mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishFailureSkipsManifest(t *testing.T) {
	st, _, _ := builtState(t)
	store := newFakeStore()
	store.fail = "rootfs/rootfs.tar.xz"

	if _, err := Publish(context.Background(), store, st, []string{"kernel", "rootfs"}, Options{Jobs: 1}); err == nil {
		t.Fatal("Publish succeeded despite a failed upload")
	}
	if _, ok := store.objects[ManifestKey]; ok {
		t.Error("manifest uploaded after a failed artifact")
	}
}

func TestPublishUnbuiltStage(t *testing.T) {
	st, _, _ := builtState(t)
	_, err := Publish(context.Background(), newFakeStore(), st, []string{"disk"}, Options{})
	if err == nil || !strings.Contains(err.Error(), "disk") {
		t.Errorf("Publish error = %v", err)
	}
}

func TestNewR2ClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
	}{
		{"empty", map[string]string{}, true},
		{"no secret", map[string]string{"R2_ACCOUNT_ID": "acc", "R2_ACCESS_KEY_ID": "k", "R2_BUCKET_NAME": "b"}, true},
		{"r2", map[string]string{"R2_ACCOUNT_ID": "acc", "R2_ACCESS_KEY_ID": "k", "R2_SECRET_ACCESS_KEY": "s", "R2_BUCKET_NAME": "b"}, false},
		{"endpoint without account", map[string]string{"MKROOTFS_PUBLISH_ENDPOINT": "http://127.0.0.1:9000", "R2_ACCESS_KEY_ID": "k", "R2_SECRET_ACCESS_KEY": "s", "R2_BUCKET_NAME": "b"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewR2Client(context.Background(), &config.Config{Values: tc.values})
			if (err != nil) != tc.wantErr {
				t.Fatalf("NewR2Client error = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && c.BucketName != "b" {
				t.Errorf("BucketName = %q", c.BucketName)
			}
		})
	}
}

func TestKey(t *testing.T) {
	if got := Key("", "rootfs", "/out/rootfs.tar.xz"); got != "rootfs/rootfs.tar.xz" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("a/b", "kernel", "vmlinuz"); got != "a/b/kernel/vmlinuz" {
		t.Errorf("Key = %q", got)
	}
}

func TestHumanReadableSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
		3 << 30:         "3.0 GiB",
	}
	for in, want := range tests {
		if got := humanReadableSize(in); got != want {
			t.Errorf("humanReadableSize(%d) = %q, want %q", in, got, want)
		}
	}
}
