package stages

import (
	"fmt"

	"github.com/sauzeros/mkrootfs/internal/pipeline"
)

// MissingToolError is a host program a stage runs that is not installed.
type MissingToolError struct {
	Stage string
	Tool  string
}

func (e MissingToolError) Error() string {
	return fmt.Sprintf("stage %s needs %s, which is not in PATH", e.Stage, e.Tool)
}

// Tools lists the host programs spec starts through the Runner.
func Tools(spec pipeline.StageSpec) []string {
	switch spec.Kind {
	case pipeline.KindKernel:
		return []string{"make"}
	case pipeline.KindRootfs:
		switch param(spec, "format", "") {
		case FormatErofs:
			return []string{"mkfs.erofs"}
		case FormatSquashfs:
			return []string{"mksquashfs"}
		}
	case pipeline.KindDiskImage:
		if tool := param(spec, "tool", ""); tool != "" {
			return []string{tool}
		}
	}
	return nil
}

// Preflight returns every tool of specs that lookPath cannot find, in
// stage order. Run it before the first stage so a missing packager does
// not surface after resolution and assembly.
func Preflight(specs []pipeline.StageSpec, lookPath func(string) bool) []MissingToolError {
	var missing []MissingToolError
	for _, spec := range specs {
		for _, tool := range Tools(spec) {
			if !lookPath(tool) {
				missing = append(missing, MissingToolError{Stage: spec.ID, Tool: tool})
			}
		}
	}
	return missing
}
