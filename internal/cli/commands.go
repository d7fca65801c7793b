package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sauzeros/mkrootfs/internal/executor"
	"github.com/sauzeros/mkrootfs/internal/pipeline"
	"github.com/sauzeros/mkrootfs/internal/publish"
	"github.com/sauzeros/mkrootfs/internal/resolve"
	"github.com/sauzeros/mkrootfs/internal/stages"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

func runBuild(ctx context.Context, a *app, args []string) error {
	specs, err := a.selectStages(args)
	if err != nil {
		return err
	}
	env, err := a.stageEnv()
	if err != nil {
		return err
	}
	force, _ := a.flags.GetStringSlice("force")
	for _, id := range force {
		if !hasStage(specs, id) {
			return fmt.Errorf("--force: unknown stage %q", id)
		}
	}

	st, err := a.loadState()
	if err != nil {
		return err
	}
	if err := st.Lock(); err != nil {
		return err
	}
	defer st.Unlock()

	g := pipeline.New(st, stages.Builders(env), pipeline.Options{Force: force, Log: a.log})
	decisions, err := g.Explain(specs)
	if err != nil {
		return err
	}
	if missing := stages.Preflight(staleSpecs(specs, decisions), executor.LookPath); len(missing) > 0 {
		errs := make([]error, len(missing))
		for i, m := range missing {
			errs[i] = m
		}
		return fmt.Errorf("preflight failed: %w", errors.Join(errs...))
	}
	start := time.Now()
	sum, err := g.Run(ctx, specs)
	if sum != nil {
		printSummary(a.log, sum)
	}
	if err != nil {
		return err
	}
	a.log.Step("Done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// staleSpecs returns the specs the decisions mark for rebuilding.
func staleSpecs(specs []pipeline.StageSpec, decisions []pipeline.Decision) []pipeline.StageSpec {
	stale := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		stale[d.ID] = d.Stale
	}
	var out []pipeline.StageSpec
	for _, s := range specs {
		if stale[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func hasStage(specs []pipeline.StageSpec, id string) bool {
	for _, s := range specs {
		if s.ID == id {
			return true
		}
	}
	return false
}

func printSummary(log *ui.Logger, sum *pipeline.Summary) {
	if len(sum.Rebuilt) > 0 {
		log.Info("Rebuilt: %s", strings.Join(sum.Rebuilt, ", "))
	}
	if len(sum.UpToDate) > 0 {
		log.Info("Up to date: %s", strings.Join(sum.UpToDate, ", "))
	}
	ids := make([]string, 0, len(sum.Warnings))
	for id := range sum.Warnings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, w := range sum.Warnings[id] {
			log.Warn("%s: %s", id, w)
		}
	}
}

func runPlan(_ context.Context, a *app, args []string) error {
	specs, err := a.selectStages(args)
	if err != nil {
		return err
	}
	st, err := a.loadState()
	if err != nil {
		return err
	}
	decisions, err := pipeline.New(st, nil, pipeline.Options{Log: a.log}).Explain(specs)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		if d.Stale {
			a.log.Warn("%-12s rebuild (%s)", d.ID, d.Reason)
		} else {
			a.log.Info("%-12s %s", d.ID, d.Reason)
		}
	}
	for _, m := range stages.Preflight(staleSpecs(specs, decisions), executor.LookPath) {
		a.log.Error("%-12s missing host tool %s", m.Stage, m.Tool)
	}
	return nil
}

type entryJSON struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Path        string   `json:"path"`
	RealPath    string   `json:"real_path,omitempty"`
	Soname      string   `json:"soname,omitempty"`
	Needed      []string `json:"needed,omitempty"`
	Interpreter bool     `json:"interpreter,omitempty"`
	Opaque      bool     `json:"opaque,omitempty"`
}

type closureJSON struct {
	Roots       []entryJSON `json:"roots"`
	Transitive  []entryJSON `json:"transitive"`
	Missing     []string    `json:"missing,omitempty"`
	Unsupported []string    `json:"unsupported,omitempty"`
	Digest      string      `json:"digest"`
}

func toJSON(entries []resolve.Entry) []entryJSON {
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		j := entryJSON{
			Name:        e.Name,
			Kind:        e.Kind.String(),
			Path:        e.Rel,
			Soname:      e.Soname,
			Needed:      e.Needed,
			Interpreter: e.Interpreter,
			Opaque:      e.Opaque,
		}
		if e.Alias {
			j.RealPath = e.RealRel
		}
		out = append(out, j)
	}
	return out
}

func runResolve(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("resolve: no names given")
	}
	p, err := a.openPool()
	if err != nil {
		return err
	}
	closure, err := resolve.Resolve(ctx, args, p, a.policy(), resolve.Options{Jobs: a.cfg.Jobs, Log: a.log})
	if err != nil {
		return err
	}

	if a.boolFlag("json") {
		out := closureJSON{
			Roots:      toJSON(closure.Roots),
			Transitive: toJSON(closure.Transitive),
			Digest:     closure.Digest(),
		}
		for _, m := range closure.Missing {
			out.Missing = append(out.Missing, m.Error())
		}
		for _, u := range closure.Unsupported {
			out.Unsupported = append(out.Unsupported, u.Error())
		}
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		for _, e := range closure.Entries() {
			line := fmt.Sprintf("%s => %s", e.Name, e.Rel)
			if e.Alias {
				line += " -> " + e.RealRel
			}
			a.log.Plain("%s\n", line)
		}
		for _, problem := range closure.Problems() {
			a.log.Warn("%v", problem)
		}
	}
	return closure.Check(a.strict())
}

func runShow(_ context.Context, a *app, _ []string) error {
	st, err := a.loadState()
	if err != nil {
		return err
	}
	ids := st.IDs()
	if len(ids) == 0 {
		a.log.Info("No stages built yet")
		return nil
	}
	for _, id := range ids {
		d, _ := st.Get(id)
		hash := d.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		a.log.Step("%s", id)
		a.log.Plain("  built:  %s\n", d.BuiltAt.Local().Format(time.DateTime))
		a.log.Plain("  hash:   %s\n", hash)
		if d.OutputRoot != "" {
			a.log.Plain("  output: %s\n", d.OutputRoot)
		}
		for _, art := range d.Artifacts {
			a.log.Plain("  artifact: %s\n", art)
		}
	}
	return nil
}

// removeOutput deletes a recorded output path. Paths that would take the
// filesystem root or the working directory with them are refused.
func removeOutput(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	wd, _ := os.Getwd()
	if abs == "/" || abs == wd {
		return fmt.Errorf("refusing to remove %s", abs)
	}
	return os.RemoveAll(abs)
}

func runClean(_ context.Context, a *app, args []string) error {
	st, err := a.loadState()
	if err != nil {
		return err
	}
	if err := st.Lock(); err != nil {
		return err
	}
	defer st.Unlock()

	ids := args
	if len(ids) == 0 {
		ids = st.IDs()
	}
	for _, id := range ids {
		d, ok := st.Get(id)
		if !ok {
			a.log.Warn("%s: nothing recorded", id)
			continue
		}
		for _, p := range append([]string{d.OutputRoot}, d.Artifacts...) {
			if p == "" {
				continue
			}
			if err := removeOutput(p); err != nil {
				return fmt.Errorf("cleaning %s: %w", id, err)
			}
			a.log.Verbosef("removed %s\n", p)
		}
		st.Delete(id)
		a.log.Info("Cleaned %s", id)
	}

	if a.boolFlag("state") {
		if err := os.Remove(st.Path()); err != nil && !os.IsNotExist(err) {
			return err
		}
		a.log.Info("Removed %s", st.Path())
		return nil
	}
	return st.Save()
}

func runPublish(ctx context.Context, a *app, args []string) error {
	st, err := a.loadState()
	if err != nil {
		return err
	}
	client, err := publish.NewR2Client(ctx, a.cfg)
	if err != nil {
		return err
	}
	prefix, _ := a.flags.GetString("prefix")
	_, err = publish.Publish(ctx, client, st, args, publish.Options{Prefix: prefix, Jobs: a.cfg.Jobs, Log: a.log})
	return err
}

func runVersion(_ context.Context, a *app, _ []string) error {
	fmt.Fprintln(a.out, ui.ColNote.Sprintf("mkrootfs %s (%s) built %s", version, runtime.GOARCH, buildDate))
	return nil
}
