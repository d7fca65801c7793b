package stages

import (
	"context"
	"fmt"

	"github.com/sauzeros/mkrootfs/internal/archive"
	"github.com/sauzeros/mkrootfs/internal/executor"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
)

// Image formats packaged by external tools rather than internally.
const (
	FormatErofs    = "erofs"
	FormatSquashfs = "squashfs"
)

// Rootfs assembles the requested programs and their libraries into the
// stage output and packages the tree as the installable root image.
//
// Params: format (tar.xz, tar.zst, tar.gz, tar.lz4, tar, erofs or
// squashfs; default tar.xz), image (artifact path, default
// <output>.<format>), strict (overrides the global missing-library mode).
type Rootfs struct {
	env *Env
}

// Build implements pipeline.Builder.
func (r *Rootfs) Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	spec := req.Spec
	if spec.Output == "" {
		return nil, fmt.Errorf("stage %s: rootfs stages need an output directory", spec.ID)
	}
	warnings, err := r.env.populate(ctx, spec, spec.Output, nil, req.Log)
	if err != nil {
		return nil, err
	}

	format := param(spec, "format", string(archive.FormatTarXZ))
	image := imagePath(spec, format)
	req.Log.Step("Packaging %s as %s", spec.ID, format)
	if err := r.pack(ctx, spec.Output, image, format); err != nil {
		return nil, err
	}
	return &pipeline.Result{Artifacts: []string{image}, Warnings: warnings}, nil
}

func (r *Rootfs) pack(ctx context.Context, tree, image, format string) error {
	switch format {
	case FormatErofs:
		return r.env.Runner.Run(ctx, executor.Command{
			Name: "mkfs.erofs",
			Args: []string{"-zlz4hc", "-T0", "--all-root", image, tree},
		})
	case FormatSquashfs:
		return r.env.Runner.Run(ctx, executor.Command{
			Name: "mksquashfs",
			Args: []string{tree, image, "-noappend", "-all-root", "-comp", "xz", "-mkfs-time", "0", "-all-time", "0"},
		})
	}
	f, err := archive.ParseFormat(format)
	if err != nil {
		return err
	}
	if err := archive.WriteTar(tree, image, f); err != nil {
		return err
	}
	// Read the image back so a broken compressor fails the stage.
	if _, err := archive.ListTarAs(image, f); err != nil {
		return fmt.Errorf("verifying %s: %w", image, err)
	}
	return nil
}
