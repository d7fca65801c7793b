package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sauzeros/mkrootfs/internal/assemble"
	"github.com/sauzeros/mkrootfs/internal/executor"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
)

// Kernel builds a kernel tree with make and copies the image to the
// stage output.
//
// Params: src (kernel tree, required), config (a .config to start from),
// target (default bzImage), image (path of the built image inside src,
// default arch/x86/boot/bzImage), jobs (default Env.Jobs).
type Kernel struct {
	env *Env
}

// Build implements pipeline.Builder.
func (k *Kernel) Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	spec := req.Spec
	src := param(spec, "src", "")
	if src == "" {
		return nil, fmt.Errorf("stage %s: kernel stages need params.src", spec.ID)
	}
	if spec.Output == "" {
		return nil, fmt.Errorf("stage %s: kernel stages need an output path", spec.ID)
	}
	jobs, err := intParam(spec, "jobs", max(k.env.Jobs, 1))
	if err != nil {
		return nil, err
	}
	makeflags := fmt.Sprintf("MAKEFLAGS=-j%d", jobs)

	if cfg := param(spec, "config", ""); cfg != "" {
		if _, err := assemble.CopyFile(cfg, filepath.Join(src, ".config"), assemble.FileMode); err != nil {
			return nil, fmt.Errorf("installing kernel config: %w", err)
		}
		req.Log.Step("Refreshing kernel config")
		if err := k.env.Runner.Run(ctx, executor.Command{
			Name: "make",
			Args: []string{"olddefconfig"},
			Dir:  src,
			Env:  []string{makeflags},
		}); err != nil {
			return nil, err
		}
	}

	target := param(spec, "target", "bzImage")
	req.Log.Step("Building kernel %s with %d jobs", target, jobs)
	if err := k.env.Runner.Run(ctx, executor.Command{
		Name: "make",
		Args: []string{target},
		Dir:  src,
		Env:  []string{makeflags},
	}); err != nil {
		return nil, err
	}

	built := filepath.Join(src, param(spec, "image", "arch/x86/boot/bzImage"))
	if _, err := os.Stat(built); err != nil {
		return nil, fmt.Errorf("kernel image not produced: %w", err)
	}
	if _, err := assemble.CopyFile(built, spec.Output, assemble.FileMode); err != nil {
		return nil, err
	}
	return &pipeline.Result{Artifacts: []string{spec.Output}}, nil
}
