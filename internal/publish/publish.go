// Package publish uploads the artifacts of built stages to an object
// store, followed by a manifest.json describing them.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/state"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// ManifestKey is the object written after every artifact.
const ManifestKey = "manifest.json"

// Uploader stores objects. *R2Client implements it.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
	Put(ctx context.Context, key string, body []byte) error
}

// Options tune a Publish run.
type Options struct {
	Prefix string
	Jobs   int
	Log    *ui.Logger
}

// Manifest lists what a run uploaded.
type Manifest struct {
	Prefix string          `json:"prefix,omitempty"`
	Stages []StageManifest `json:"stages"`
}

// StageManifest describes one published stage.
type StageManifest struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"content_hash"`
	OutputDigest string    `json:"output_digest,omitempty"`
	BuiltAt      time.Time `json:"built_at"`
	Files        []File    `json:"files"`
}

// File is one uploaded artifact.
type File struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	Blake3 string `json:"blake3"`
}

// Key returns the object key of an artifact.
func Key(prefix, stage, file string) string {
	return path.Join(prefix, stage, filepath.Base(file))
}

// Publish uploads the artifacts of the given stages, or of every recorded
// stage when ids is empty. The manifest is uploaded only after every
// artifact succeeded, so a reader never sees it pointing at missing
// objects.
func Publish(ctx context.Context, up Uploader, st *state.BuildState, ids []string, opts Options) (*Manifest, error) {
	if len(ids) == 0 {
		ids = st.IDs()
	}
	jobs := max(opts.Jobs, 1)

	m := &Manifest{Prefix: opts.Prefix}
	type upload struct {
		stage, file int // indexes into m.Stages and its Files
		path        string
	}
	var uploads []upload
	for _, id := range ids {
		d, ok := st.Get(id)
		if !ok {
			return nil, fmt.Errorf("stage %s has not been built", id)
		}
		sm := StageManifest{ID: id, ContentHash: d.ContentHash, OutputDigest: d.OutputDigest, BuiltAt: d.BuiltAt}
		for _, a := range d.Artifacts {
			info, err := os.Stat(a)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", id, err)
			}
			if !info.Mode().IsRegular() {
				opts.Log.Warn("%s: skipping %s, not a regular file", id, a)
				continue
			}
			uploads = append(uploads, upload{stage: len(m.Stages), file: len(sm.Files), path: a})
			sm.Files = append(sm.Files, File{Key: Key(opts.Prefix, id, a), Size: info.Size()})
		}
		if len(sm.Files) == 0 {
			opts.Log.Warn("%s: nothing to publish", id)
		}
		m.Stages = append(m.Stages, sm)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, u := range uploads {
		// Each goroutine owns one File entry.
		entry := &m.Stages[u.stage].Files[u.file]
		g.Go(func() error {
			sum, err := checksum.File(u.path)
			if err != nil {
				return err
			}
			opts.Log.Step("Uploading %s", entry.Key)
			if err := up.Upload(gctx, entry.Key, u.path); err != nil {
				return fmt.Errorf("uploading %s: %w", entry.Key, err)
			}
			entry.Blake3 = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	key := path.Join(opts.Prefix, ManifestKey)
	if err := up.Put(ctx, key, body); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", key, err)
	}
	var total int64
	for _, sm := range m.Stages {
		for _, f := range sm.Files {
			total += f.Size
		}
	}
	opts.Log.Info("Published %d files (%s) to %s", len(uploads), humanReadableSize(total), key)
	return m, nil
}

func humanReadableSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
