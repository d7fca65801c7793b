// Package pipeline orders build stages and decides which of them must run.
//
// A stage is rebuilt when the hash of everything it declares as input
// (files, requested names, upstream results, parameters) differs from the
// hash recorded after its last successful build. Rebuilding a stage makes
// every stage that lists it as upstream stale in the same pass.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/state"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// absentMarker stands in for the content hash of a declared input that
// does not exist.
const absentMarker = "absent"

// Options configure a Graph.
type Options struct {
	Force []string // stage ids to rebuild regardless of their hash
	Log   *ui.Logger
	Now   func() time.Time
}

// Graph runs stages against one BuildState.
type Graph struct {
	state    *state.BuildState
	builders map[StageKind]Builder
	force    map[string]bool
	log      *ui.Logger
	now      func() time.Time
}

// New returns a Graph. builders may be nil when only planning.
func New(st *state.BuildState, builders map[StageKind]Builder, opts Options) *Graph {
	g := &Graph{
		state:    st,
		builders: builders,
		force:    make(map[string]bool),
		log:      opts.Log,
		now:      opts.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	for _, id := range opts.Force {
		g.force[id] = true
	}
	return g
}

// Decision explains the plan for one stage.
type Decision struct {
	ID     string
	Stale  bool
	Reason string
	Hash   string
}

// Summary describes a completed Run.
type Summary struct {
	Rebuilt  []string
	UpToDate []string
	Warnings map[string][]string
}

func validate(stages []StageSpec) error {
	seen := make(map[string]bool)
	var errs []error
	for _, s := range stages {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("stage with empty id"))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateStage, s.ID))
		}
		if _, err := ParseKind(string(s.Kind)); err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", s.ID, err))
		}
		for _, up := range s.Upstream {
			if !seen[up] {
				errs = append(errs, fmt.Errorf("stage %s: %w: %s", s.ID, ErrUnknownUpstream, up))
			}
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// InputHash hashes, in order: the stage identity, every declared input
// with its content hash, the requested names, the recorded result of each
// upstream stage, the sorted parameters (file params with their content)
// and the session options.
func (g *Graph) InputHash(spec StageSpec) (string, error) {
	h := checksum.New()
	fmt.Fprintf(h, "stage\x00%s\x00%s\n", spec.ID, spec.Kind)

	for _, in := range spec.Inputs {
		sum, err := inputSum(in)
		if err != nil {
			return "", fmt.Errorf("hashing input %s of %s: %w", in, spec.ID, err)
		}
		fmt.Fprintf(h, "input\x00%s\x00%s\n", in, sum)
	}
	for _, dir := range spec.Overlays {
		sum, err := inputSum(dir)
		if err != nil {
			return "", fmt.Errorf("hashing overlay %s of %s: %w", dir, spec.ID, err)
		}
		fmt.Fprintf(h, "overlay\x00%s\x00%s\n", dir, sum)
	}
	for _, name := range spec.Requests {
		fmt.Fprintf(h, "request\x00%s\n", name)
	}
	for _, req := range spec.Required {
		fmt.Fprintf(h, "required\x00%s\n", req)
	}
	for _, up := range spec.Upstream {
		if d, ok := g.state.Get(up); ok {
			fmt.Fprintf(h, "upstream\x00%s\x00%s\x00%s\n", up, d.ContentHash, d.OutputDigest)
		} else {
			fmt.Fprintf(h, "upstream\x00%s\x00none\n", up)
		}
	}

	for _, k := range sortedKeys(spec.Params) {
		fmt.Fprintf(h, "param\x00%s=%s\n", k, spec.Params[k])
	}
	for _, k := range FileParams {
		p := spec.Params[k]
		if p == "" {
			continue
		}
		sum, err := inputSum(p)
		if err != nil {
			return "", fmt.Errorf("hashing %s of %s: %w", k, spec.ID, err)
		}
		fmt.Fprintf(h, "paramfile\x00%s\x00%s\n", k, sum)
	}
	for _, k := range sortedKeys(spec.Options) {
		fmt.Fprintf(h, "option\x00%s=%s\n", k, spec.Options[k])
	}
	fmt.Fprintf(h, "output\x00%s\n", spec.Output)

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func inputSum(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return absentMarker, nil
		}
		return "", err
	}
	if info.IsDir() {
		return checksum.Tree(p)
	}
	return checksum.File(p)
}

// IsStale reports whether spec must be rebuilt, considering only its own
// record. Upstream propagation is handled by Plan.
func (g *Graph) IsStale(spec StageSpec) (bool, error) {
	hash, err := g.InputHash(spec)
	if err != nil {
		return false, err
	}
	stale, _ := g.staleReason(spec, hash)
	return stale, nil
}

func (g *Graph) staleReason(spec StageSpec, hash string) (bool, string) {
	if g.force[spec.ID] {
		return true, "forced"
	}
	d, ok := g.state.Get(spec.ID)
	if !ok {
		return true, "never built"
	}
	if d.ContentHash != hash {
		return true, "inputs changed"
	}
	for _, p := range append([]string{d.OutputRoot}, d.Artifacts...) {
		if p == "" {
			continue
		}
		if _, err := os.Lstat(p); err != nil {
			return true, "output missing: " + p
		}
	}
	return false, "up to date"
}

// Explain returns a decision for every stage, in order.
func (g *Graph) Explain(stages []StageSpec) ([]Decision, error) {
	if err := validate(stages); err != nil {
		return nil, err
	}
	stale := make(map[string]bool)
	decisions := make([]Decision, 0, len(stages))
	for _, spec := range stages {
		hash, err := g.InputHash(spec)
		if err != nil {
			return nil, err
		}
		isStale, reason := g.staleReason(spec, hash)
		if !isStale {
			for _, up := range spec.Upstream {
				if stale[up] {
					isStale, reason = true, "upstream "+up+" rebuilt"
					break
				}
			}
		}
		stale[spec.ID] = isStale
		decisions = append(decisions, Decision{ID: spec.ID, Stale: isStale, Reason: reason, Hash: hash})
	}
	return decisions, nil
}

// Plan returns the ids of the stages that need rebuilding, in order.
func (g *Graph) Plan(stages []StageSpec) ([]string, error) {
	decisions, err := g.Explain(stages)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, d := range decisions {
		if d.Stale {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// Record stores d and flushes the state to disk.
func (g *Graph) Record(d state.ArtifactDescriptor) error {
	g.state.Put(d)
	return g.state.Save()
}

// Run builds every stale stage in order. A failing stage stops the run
// with a *StageError; its record stays absent so the next run retries it.
// Cancellation is honoured between stages.
func (g *Graph) Run(ctx context.Context, stages []StageSpec) (*Summary, error) {
	planned, err := g.Plan(stages)
	if err != nil {
		return nil, err
	}
	rebuild := make(map[string]bool, len(planned))
	for _, id := range planned {
		rebuild[id] = true
	}

	sum := &Summary{Warnings: make(map[string][]string)}
	for _, spec := range stages {
		if !rebuild[spec.ID] {
			g.log.Info("%s: up to date", spec.ID)
			sum.UpToDate = append(sum.UpToDate, spec.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := g.runStage(ctx, spec, sum); err != nil {
			return sum, &StageError{Stage: spec.ID, Err: err}
		}
		sum.Rebuilt = append(sum.Rebuilt, spec.ID)
	}
	return sum, nil
}

func (g *Graph) runStage(ctx context.Context, spec StageSpec, sum *Summary) error {
	builder, ok := g.builders[spec.Kind]
	if !ok {
		return fmt.Errorf("no builder for kind %s", spec.Kind)
	}

	// Upstream records are final by now, so the hash reflects this pass.
	hash, err := g.InputHash(spec)
	if err != nil {
		return err
	}

	// A partially written output must never look up to date.
	g.state.Delete(spec.ID)
	if err := g.state.Save(); err != nil {
		return fmt.Errorf("flushing build state: %w", err)
	}

	upstream := make(map[string]state.ArtifactDescriptor, len(spec.Upstream))
	for _, up := range spec.Upstream {
		if d, ok := g.state.Get(up); ok {
			upstream[up] = d
		}
	}

	g.log.Step("Building %s (%s)", spec.ID, spec.Kind)
	start := g.now()
	res, err := builder.Build(ctx, Request{Spec: spec, Upstream: upstream, Log: g.log})
	if err != nil {
		return err
	}
	if res == nil {
		res = &Result{}
	}

	digest := ""
	if spec.Output != "" {
		if digest, err = inputSum(spec.Output); err != nil {
			return fmt.Errorf("digesting output %s: %w", spec.Output, err)
		}
	}

	d := state.ArtifactDescriptor{
		StageID:      spec.ID,
		OutputRoot:   spec.Output,
		Inputs:       spec.Inputs,
		ContentHash:  hash,
		OutputDigest: digest,
		Artifacts:    res.Artifacts,
		BuiltAt:      g.now(),
	}
	if err := g.Record(d); err != nil {
		return fmt.Errorf("recording %s: %w", spec.ID, err)
	}
	if len(res.Warnings) > 0 {
		sum.Warnings[spec.ID] = res.Warnings
	}
	g.log.Debugf("%s built in %s\n", spec.ID, g.now().Sub(start).Round(time.Millisecond))
	return nil
}
