package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/sauzeros/mkrootfs/internal/assemble"
	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/config"
	"github.com/sauzeros/mkrootfs/internal/executor"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
	"github.com/sauzeros/mkrootfs/internal/pool"
	"github.com/sauzeros/mkrootfs/internal/stages"
	"github.com/sauzeros/mkrootfs/internal/state"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// app carries what every command needs once flags are parsed.
type app struct {
	out   io.Writer
	flags *pflag.FlagSet

	configFile   string
	manifestFile string
	debug        bool
	verbose      bool

	cfg *config.Config
	log *ui.Logger
}

func (a *app) parse(c command, args []string) ([]string, error) {
	fs := pflag.NewFlagSet(c.name, pflag.ContinueOnError)
	fs.SetOutput(a.out)
	fs.StringVar(&a.configFile, "config", config.DefaultFile, "global configuration file")
	fs.StringVarP(&a.manifestFile, "manifest", "f", "", "pipeline manifest (default $MKROOTFS_MANIFEST or pipeline.yaml)")
	fs.BoolVar(&a.debug, "debug", false, "print debug output")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "print verbose output")
	fs.Usage = func() {
		fmt.Fprintf(a.out, "Usage: mkrootfs %s %s\n", c.name, c.args)
		fs.PrintDefaults()
	}
	switch c.name {
	case "build":
		fs.StringSlice("force", nil, "rebuild these stages even if up to date")
		fs.Bool("lenient", false, "report missing libraries instead of failing")
	case "plan":
		fs.Bool("lenient", false, "plan a lenient build")
	case "resolve":
		fs.Bool("json", false, "print the closure as JSON")
		fs.Bool("lenient", false, "report missing libraries instead of failing")
	case "clean":
		fs.Bool("state", false, "also delete the build state file")
	case "publish":
		fs.String("prefix", "", "key prefix in the bucket")
	}
	a.flags = fs
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, err
	}
	if a.manifestFile != "" {
		cfg.ManifestFile = a.manifestFile
	}
	a.cfg = cfg
	a.log = ui.New(cfg.Debug || a.debug, cfg.Verbose || a.verbose)
	a.log.Out = a.out
	return fs.Args(), nil
}

func (a *app) boolFlag(name string) bool {
	v, _ := a.flags.GetBool(name)
	return v
}

// strict is the session's missing-library mode.
func (a *app) strict() bool {
	return a.cfg.Strict && !a.boolFlag("lenient")
}

func (a *app) policy() pool.SearchPolicy {
	p := pool.DefaultPolicy()
	if a.cfg.Multilib {
		p = p.Multilib()
	}
	return p
}

func (a *app) openPool() (*pool.Pool, error) {
	if len(a.cfg.PoolRoots) == 0 {
		return nil, fmt.Errorf("no binary pool configured; set MKROOTFS_POOL")
	}
	return pool.New(a.cfg.PoolRoots...)
}

// buildOptions renders the session settings that change a resolved tree:
// the pool roots in priority order, the search policy and the strictness.
func (a *app) buildOptions() map[string]string {
	roots := make([]string, 0, len(a.cfg.PoolRoots))
	for _, r := range a.cfg.PoolRoots {
		if abs, err := filepath.Abs(r); err == nil {
			r = abs
		}
		roots = append(roots, r)
	}
	return map[string]string{
		"pool":   strings.Join(roots, ":"),
		"policy": checksum.String(fmt.Sprint(a.policy())),
		"strict": strconv.FormatBool(a.strict()),
	}
}

func (a *app) stageEnv() (*stages.Env, error) {
	p, err := a.openPool()
	if err != nil {
		return nil, err
	}
	ex := executor.New()
	ex.ApplyIdlePriority = a.cfg.Get("MKROOTFS_NICE") == "1"
	return &stages.Env{
		Pool:   p,
		Policy: a.policy(),
		Rules:  assemble.DefaultRules(),
		Runner: ex,
		Strict: a.strict(),
		Jobs:   a.cfg.Jobs,
	}, nil
}

// selectStages loads the manifest and returns the named stages together with
// every stage they depend on, in manifest order. No names selects all.
// Stages that resolve from the pool carry the session's build options.
func (a *app) selectStages(names []string) ([]pipeline.StageSpec, error) {
	m, err := config.LoadManifest(a.cfg.ManifestFile)
	if err != nil {
		return nil, err
	}
	opts := a.buildOptions()
	all := make([]pipeline.StageSpec, 0, len(m.Stages))
	for _, e := range m.Stages {
		kind, err := pipeline.ParseKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", e.ID, err)
		}
		spec := pipeline.StageSpec{
			ID:       e.ID,
			Kind:     kind,
			Requests: e.Requests,
			Inputs:   e.Inputs,
			Upstream: e.Upstream,
			Params:   e.Params,
			Output:   e.Output,
			Required: e.Required,
			Overlays: e.Overlay,
		}
		if kind == pipeline.KindRootfs || kind == pipeline.KindBootImage {
			spec.Options = opts
		}
		all = append(all, spec)
	}
	if len(names) == 0 {
		return all, nil
	}

	byID := make(map[string]pipeline.StageSpec, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	want := make(map[string]bool)
	var mark func(id string) error
	mark = func(id string) error {
		s, ok := byID[id]
		if !ok {
			return fmt.Errorf("unknown stage %q", id)
		}
		if want[id] {
			return nil
		}
		want[id] = true
		for _, up := range s.Upstream {
			if err := mark(up); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
		}
		return nil
	}
	for _, n := range names {
		if err := mark(n); err != nil {
			return nil, err
		}
	}
	var selected []pipeline.StageSpec
	for _, s := range all {
		if want[s.ID] {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

// loadState opens the build state. A corrupt file is reported and then
// treated as empty, which rebuilds everything.
func (a *app) loadState() (*state.BuildState, error) {
	st, err := state.Load(a.cfg.StateFile)
	if errors.Is(err, state.ErrCorrupt) {
		a.log.Warn("Ignoring build state: %v", err)
		return st, nil
	}
	return st, err
}
