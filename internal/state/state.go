// Package state persists what each pipeline stage was last built from.
//
// The record is a single CBOR file. Losing it, or any entry in it, only
// costs a rebuild: unreadable files load as an empty state together with
// ErrCorrupt, and malformed entries are dropped.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sauzeros/mkrootfs/internal/codec"
)

const formatVersion = 1

var (
	// ErrCorrupt means the state file exists but could not be decoded.
	ErrCorrupt = errors.New("build state is corrupt")
	// ErrLocked means another session holds the state lock.
	ErrLocked = errors.New("build state is locked by another session")
)

// ArtifactDescriptor records one successful stage build.
type ArtifactDescriptor struct {
	StageID      string    `cbor:"stage_id"`
	OutputRoot   string    `cbor:"output_root"`
	Inputs       []string  `cbor:"inputs"`
	ContentHash  string    `cbor:"content_hash"`
	OutputDigest string    `cbor:"output_digest,omitempty"`
	Artifacts    []string  `cbor:"artifacts,omitempty"`
	BuiltAt      time.Time `cbor:"built_at"`
}

func (d ArtifactDescriptor) valid(id string) bool {
	return d.StageID == id && d.ContentHash != ""
}

type stateFile struct {
	Version int                           `cbor:"version"`
	Stages  map[string]ArtifactDescriptor `cbor:"stages"`
}

// BuildState maps stage ids to their last successful build. It is owned
// by one build session and is not safe for concurrent use.
type BuildState struct {
	path   string
	stages map[string]ArtifactDescriptor
	lock   *os.File
}

// New returns an empty state that will be saved to path.
func New(path string) *BuildState {
	return &BuildState{path: path, stages: make(map[string]ArtifactDescriptor)}
}

// Load reads the state at path. A missing file yields an empty state and
// no error. An unreadable one yields an empty state and ErrCorrupt; the
// state is still usable.
func Load(path string) (*BuildState, error) {
	s := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("reading %s: %w", path, err)
	}

	var f stateFile
	if err := codec.Unmarshal(data, &f); err != nil {
		return s, fmt.Errorf("%s: %w: %v", path, ErrCorrupt, err)
	}
	if f.Version != formatVersion {
		return s, fmt.Errorf("%s: %w: version %d, want %d", path, ErrCorrupt, f.Version, formatVersion)
	}
	for id, d := range f.Stages {
		if d.valid(id) {
			s.stages[id] = d
		}
	}
	return s, nil
}

// Path is where Save writes.
func (s *BuildState) Path() string { return s.path }

// Get returns the record for id.
func (s *BuildState) Get(id string) (ArtifactDescriptor, bool) {
	d, ok := s.stages[id]
	return d, ok
}

// Put replaces the record for d.StageID.
func (s *BuildState) Put(d ArtifactDescriptor) {
	d.Inputs = append([]string(nil), d.Inputs...)
	d.Artifacts = append([]string(nil), d.Artifacts...)
	s.stages[d.StageID] = d
}

// Delete drops the record for id.
func (s *BuildState) Delete(id string) {
	delete(s.stages, id)
}

// IDs returns the recorded stage ids, sorted.
func (s *BuildState) IDs() []string {
	ids := make([]string, 0, len(s.stages))
	for id := range s.stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the state atomically: readers see either the old file or
// the new one.
func (s *BuildState) Save() error {
	data, err := codec.Marshal(stateFile{Version: formatVersion, Stages: s.stages})
	if err != nil {
		return fmt.Errorf("encoding build state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".buildstate-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// Lock takes an exclusive lock on <path>.lock without blocking. Two builds
// against the same output fail fast instead of racing.
func (s *BuildState) Lock() error {
	if s.lock != nil {
		return nil
	}
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s: %w", lockPath, ErrLocked)
		}
		return fmt.Errorf("failed to acquire lock %s: %w", lockPath, err)
	}
	s.lock = f
	return nil
}

// Unlock releases the lock taken by Lock.
func (s *BuildState) Unlock() error {
	if s.lock == nil {
		return nil
	}
	defer func() { s.lock = nil }()
	unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	return s.lock.Close()
}
