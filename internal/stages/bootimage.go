package stages

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/sauzeros/mkrootfs/internal/archive"
	"github.com/sauzeros/mkrootfs/internal/assemble"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
)

// BootImage stages a small closure into the output directory and packs it
// as a gzip-compressed newc initramfs.
//
// Params: init (script installed as /init, mode 0755), embed
// ("<upstream stage>:<path>" copies that stage's artifact into the
// initramfs, e.g. the root image a live system mounts), image (artifact
// path, default <output>.cpio.gz), strict.
type BootImage struct {
	env *Env
}

// Build implements pipeline.Builder.
func (b *BootImage) Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	spec := req.Spec
	if spec.Output == "" {
		return nil, fmt.Errorf("stage %s: bootimage stages need an output directory", spec.ID)
	}

	var extra []string
	if init := param(spec, "init", ""); init != "" {
		if _, err := assemble.CopyFile(init, filepath.Join(spec.Output, "init"), assemble.ExecMode); err != nil {
			return nil, fmt.Errorf("installing init: %w", err)
		}
		extra = append(extra, "init")
	}
	if embed := param(spec, "embed", ""); embed != "" {
		id, dest, ok := strings.Cut(embed, ":")
		rel := strings.TrimPrefix(path.Clean("/"+dest), "/")
		if !ok || rel == "" {
			return nil, fmt.Errorf("stage %s: embed=%q, want <stage>:<path>", spec.ID, embed)
		}
		src, err := artifact(req, id)
		if err != nil {
			return nil, err
		}
		if _, err := assemble.CopyFile(src, filepath.Join(spec.Output, filepath.FromSlash(rel)), assemble.FileMode); err != nil {
			return nil, fmt.Errorf("embedding %s: %w", id, err)
		}
		extra = append(extra, rel)
	}

	warnings, err := b.env.populate(ctx, spec, spec.Output, extra, req.Log)
	if err != nil {
		return nil, err
	}

	image := imagePath(spec, "cpio.gz")
	req.Log.Step("Writing initramfs %s", image)
	if err := archive.WriteCpio(spec.Output, image); err != nil {
		return nil, err
	}
	return &pipeline.Result{Artifacts: []string{image}, Warnings: warnings}, nil
}
