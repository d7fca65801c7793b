package pipeline

import (
	"context"
	"fmt"

	"github.com/sauzeros/mkrootfs/internal/state"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// StageKind selects the builder for a stage.
type StageKind string

const (
	KindKernel    StageKind = "kernel"
	KindRootfs    StageKind = "rootfs"
	KindBootImage StageKind = "bootimage"
	KindDiskImage StageKind = "diskimage"
)

// Kinds lists every known kind in pipeline order.
var Kinds = []StageKind{KindKernel, KindRootfs, KindBootImage, KindDiskImage}

// ParseKind validates s.
func ParseKind(s string) (StageKind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stage kind %q (want one of %v)", s, Kinds)
}

// FileParams are the params naming host files. Their contents feed the
// input hash along with the path.
var FileParams = []string{"config", "init"}

// StageSpec declares one stage. Requests, Inputs, Upstream, Params and
// Options all feed the stage's input hash.
type StageSpec struct {
	ID       string
	Kind     StageKind
	Requests []string          // binary/library names to resolve
	Inputs   []string          // files or directories the stage reads
	Upstream []string          // ids of earlier stages whose output is an input
	Params   map[string]string // build options
	Output   string            // where the stage writes

	Required []string // paths that must exist in an assembled tree
	Overlays []string // directories copied verbatim over an assembled tree

	// Options are session-wide settings that change what the stage
	// produces (pool roots, search policy, strictness). Builders do not
	// read them.
	Options map[string]string
}

// Request is what a Builder receives.
type Request struct {
	Spec StageSpec
	// Upstream holds the freshly recorded descriptor of every upstream stage.
	Upstream map[string]state.ArtifactDescriptor
	Log      *ui.Logger
}

// Result is what a Builder produced.
type Result struct {
	// Artifacts are the files handed on to later stages or published,
	// e.g. the root image or the initramfs.
	Artifacts []string
	// Warnings are printed in the final summary, e.g. missing libraries in
	// lenient mode.
	Warnings []string
}

// Builder builds one kind of stage.
type Builder interface {
	Build(ctx context.Context, req Request) (*Result, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, req Request) (*Result, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
