// Package stages implements one pipeline.Builder per stage kind. Every
// external tool is started through an executor.Runner.
package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/sauzeros/mkrootfs/internal/assemble"
	"github.com/sauzeros/mkrootfs/internal/executor"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
	"github.com/sauzeros/mkrootfs/internal/pool"
	"github.com/sauzeros/mkrootfs/internal/resolve"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// Env is what every builder shares.
type Env struct {
	Pool   *pool.Pool
	Policy pool.SearchPolicy
	Rules  assemble.Rules
	Runner executor.Runner
	Strict bool
	Jobs   int
}

// Builders returns the builder for every stage kind.
func Builders(env *Env) map[pipeline.StageKind]pipeline.Builder {
	return map[pipeline.StageKind]pipeline.Builder{
		pipeline.KindKernel:    &Kernel{env: env},
		pipeline.KindRootfs:    &Rootfs{env: env},
		pipeline.KindBootImage: &BootImage{env: env},
		pipeline.KindDiskImage: &DiskImage{env: env},
	}
}

func param(spec pipeline.StageSpec, key, def string) string {
	if v, ok := spec.Params[key]; ok && v != "" {
		return v
	}
	return def
}

func intParam(spec pipeline.StageSpec, key string, def int) (int, error) {
	v, ok := spec.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("stage %s: param %s=%q is not a positive integer", spec.ID, key, v)
	}
	return n, nil
}

// boolParam overrides def with "1"/"0" or "true"/"false".
func boolParam(spec pipeline.StageSpec, key string, def bool) (bool, error) {
	v, ok := spec.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("stage %s: param %s=%q is not a boolean", spec.ID, key, v)
	}
	return b, nil
}

// imagePath is the packaged artifact next to the stage's output tree.
func imagePath(spec pipeline.StageSpec, ext string) string {
	if p := spec.Params["image"]; p != "" {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(filepath.Dir(spec.Output), p)
	}
	return spec.Output + "." + ext
}

// populate resolves the stage's requests, writes the closure and overlays
// into root and checks the required paths. extra names root-relative
// files the caller installs itself. Missing names come back as warnings
// when the stage is lenient.
func (e *Env) populate(ctx context.Context, spec pipeline.StageSpec, root string, extra []string, log *ui.Logger) ([]string, error) {
	strict, err := boolParam(spec, "strict", e.Strict)
	if err != nil {
		return nil, err
	}
	closure, err := resolve.Resolve(ctx, spec.Requests, e.Pool, e.Policy, resolve.Options{Jobs: e.Jobs, Log: log})
	if err != nil {
		return nil, err
	}
	if err := closure.Check(strict); err != nil {
		return nil, err
	}
	var warnings []string
	for _, p := range closure.Problems() {
		warnings = append(warnings, p.Error())
		log.Warn("%s: %v", spec.ID, p)
	}

	report, err := assemble.Assemble(closure, root, e.Rules, assemble.Options{Jobs: e.Jobs, Log: log})
	if err != nil {
		return nil, err
	}
	log.Info("%s: %d entries, %d copied, %d unchanged", spec.ID, len(closure.Entries()), report.Copied+report.Symlinks, report.Skipped)

	keep := report.Paths
	for _, dir := range spec.Overlays {
		r, err := assemble.CopyOverlay(dir, root)
		if err != nil {
			return nil, err
		}
		log.Verbosef("%s: overlay %s: %d copied, %d unchanged\n", spec.ID, dir, r.Copied+r.Symlinks, r.Skipped)
		keep = append(keep, r.Paths...)
	}
	keep = append(keep, extra...)

	// Leftovers of an earlier, larger request list must not reach the image.
	removed, err := assemble.Prune(root, keep)
	if err != nil {
		return nil, err
	}
	for _, rel := range removed {
		log.Verbosef("%s: removed stale %s\n", spec.ID, rel)
	}

	if missing := assemble.Verify(root, spec.Required); len(missing) > 0 {
		return nil, fmt.Errorf("required paths missing from %s: %v", root, missing)
	}
	return warnings, nil
}

// artifact returns the primary artifact of upstream stage id, falling back
// to its output root.
func artifact(req pipeline.Request, id string) (string, error) {
	d, ok := req.Upstream[id]
	if !ok {
		return "", fmt.Errorf("stage %s: %q is not a built upstream stage", req.Spec.ID, id)
	}
	if len(d.Artifacts) > 0 {
		return d.Artifacts[0], nil
	}
	if d.OutputRoot == "" {
		return "", fmt.Errorf("stage %s: upstream %s produced nothing", req.Spec.ID, id)
	}
	return d.OutputRoot, nil
}
