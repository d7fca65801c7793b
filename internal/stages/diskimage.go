package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sauzeros/mkrootfs/internal/executor"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
)

var placeholderRe = regexp.MustCompile(`\{(output|input:[^}]+)\}`)

// DiskImage runs a configured packager (xorriso, qemu-img, a script) over
// the artifacts of its upstream stages.
//
// Params: tool (required), args (whitespace separated; {output} is the
// stage output and {input:<stage>} the artifact of an upstream stage).
type DiskImage struct {
	env *Env
}

// Build implements pipeline.Builder.
func (d *DiskImage) Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	spec := req.Spec
	tool := param(spec, "tool", "")
	if tool == "" {
		return nil, fmt.Errorf("stage %s: diskimage stages need params.tool", spec.ID)
	}
	if spec.Output == "" {
		return nil, fmt.Errorf("stage %s: diskimage stages need an output path", spec.ID)
	}
	args, err := expandArgs(req, strings.Fields(param(spec, "args", "")))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(spec.Output), 0o755); err != nil {
		return nil, err
	}

	req.Log.Step("Packing %s with %s", spec.ID, tool)
	if err := d.env.Runner.Run(ctx, executor.Command{Name: tool, Args: args}); err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.Output); err != nil {
		return nil, fmt.Errorf("%s did not produce %s: %w", tool, spec.Output, err)
	}
	return &pipeline.Result{Artifacts: []string{spec.Output}}, nil
}

func expandArgs(req pipeline.Request, args []string) ([]string, error) {
	out := make([]string, len(args))
	var firstErr error
	for i, arg := range args {
		out[i] = placeholderRe.ReplaceAllStringFunc(arg, func(m string) string {
			key := m[1 : len(m)-1]
			if key == "output" {
				return req.Spec.Output
			}
			p, err := artifact(req, strings.TrimPrefix(key, "input:"))
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return p
		})
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
