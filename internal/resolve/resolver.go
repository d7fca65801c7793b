// Package resolve computes the transitive shared-library closure of a set
// of requested binaries and libraries, the way the dynamic linker would
// load them, without executing anything.
//
// The work queue is processed one level at a time. Names of a level are
// claimed serially in queue order, looked up in parallel by a bounded
// worker pool, and merged back in queue order, so the closure only depends
// on the request list and the pool contents.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sauzeros/mkrootfs/internal/elfdeps"
	"github.com/sauzeros/mkrootfs/internal/pool"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// Options tune a Resolver.
type Options struct {
	Jobs int // worker count per level; <1 means 1
	Log  *ui.Logger
}

// Resolver resolves names against one pool. It caches ELF inspections by
// real path for its whole lifetime, so several stages of a build session
// can share one.
type Resolver struct {
	pool   *pool.Pool
	policy pool.SearchPolicy
	jobs   int
	log    *ui.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]inspection
}

type inspection struct {
	obj *elfdeps.Object
	err error
}

// New returns a Resolver over p.
func New(p *pool.Pool, policy pool.SearchPolicy, opts Options) *Resolver {
	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	return &Resolver{
		pool:   p,
		policy: policy,
		jobs:   jobs,
		log:    opts.Log,
		cache:  make(map[string]inspection),
	}
}

// Resolve is a one-shot helper around New and (*Resolver).Resolve.
func Resolve(ctx context.Context, requested []string, p *pool.Pool, policy pool.SearchPolicy, opts Options) (*Closure, error) {
	return New(p, policy, opts).Resolve(ctx, requested)
}

// work is one queued name.
type work struct {
	name        string
	kind        pool.Kind
	requested   bool
	interpreter bool
	neededBy    string
	requester   *elfdeps.Object
	runpath     []string
}

type outcome struct {
	entry       *Entry
	obj         *elfdeps.Object
	missing     bool
	unsupported bool
}

// Resolve computes the closure of requested. Missing and non-ELF files are
// recorded in the closure, not returned as errors; the error is reserved
// for I/O failures and cancellation.
func (r *Resolver) Resolve(ctx context.Context, requested []string) (*Closure, error) {
	c := &Closure{}
	visited := make(map[string]bool)
	missingIdx := make(map[string]int)
	loaders := make(map[string]string) // loader basename -> PT_INTERP path

	var level []work
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		level = append(level, work{name: name, kind: pool.Classify(name), requested: true})
	}

	for depth := 0; len(level) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Claim phase: each name is owned by the first item asking for it.
		var claimed []work
		also := make(map[string][]string) // later requesters of names claimed in this level
		for _, w := range level {
			if visited[w.name] {
				if w.neededBy == "" {
					continue
				}
				if i, ok := missingIdx[w.name]; ok {
					c.Missing[i].NeededBy = appendUnique(c.Missing[i].NeededBy, w.neededBy)
				} else {
					also[w.name] = append(also[w.name], w.neededBy)
				}
				continue
			}
			visited[w.name] = true
			claimed = append(claimed, w)
		}
		r.log.Debugf("resolve: level %d, %d names\n", depth, len(claimed))

		outcomes := make([]outcome, len(claimed))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.jobs)
		for i := range claimed {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := r.resolveOne(claimed[i])
				if err != nil {
					return err
				}
				outcomes[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// libc NEEDs the loader by soname; that name and PT_INTERP must
		// end up as one entry.
		for _, out := range outcomes {
			if out.obj == nil || out.obj.Interp == "" {
				continue
			}
			if base := path.Base(out.obj.Interp); loaders[base] == "" {
				loaders[base] = out.obj.Interp
			}
		}

		var next []work
		for i, w := range claimed {
			out := outcomes[i]
			switch {
			case out.missing:
				missingIdx[w.name] = len(c.Missing)
				m := MissingLibraryError{Name: w.name}
				if w.neededBy != "" {
					m.NeededBy = []string{w.neededBy}
				}
				for _, by := range also[w.name] {
					m.NeededBy = appendUnique(m.NeededBy, by)
				}
				c.Missing = append(c.Missing, m)
				r.log.Debugf("resolve: %s not found\n", w.name)
				continue
			case out.unsupported:
				c.Unsupported = append(c.Unsupported, UnsupportedFormatError{Name: w.name, Path: out.entry.RealRel})
			}

			if w.requested {
				c.Roots = append(c.Roots, *out.entry)
			} else {
				c.Transitive = append(c.Transitive, *out.entry)
			}
			if out.obj == nil {
				continue
			}

			runpath := pool.ExpandRunpath(out.obj.Runpath, out.entry.RealRel)
			if out.obj.Interp != "" {
				next = append(next, work{
					name:        out.obj.Interp,
					kind:        pool.Direct,
					interpreter: true,
					neededBy:    w.name,
				})
			}
			for _, needed := range out.obj.Needed {
				if interp, ok := loaders[needed]; ok {
					next = append(next, work{
						name:        interp,
						kind:        pool.Direct,
						interpreter: true,
						neededBy:    w.name,
					})
					continue
				}
				kind := pool.Library
				if strings.Contains(needed, "/") {
					kind = pool.Direct
				}
				next = append(next, work{
					name:      needed,
					kind:      kind,
					neededBy:  w.name,
					requester: out.obj,
					runpath:   runpath,
				})
			}
		}
		level = next
	}

	r.log.Debugf("resolve: %d roots, %d transitive, %d missing, %d unsupported\n",
		len(c.Roots), len(c.Transitive), len(c.Missing), len(c.Unsupported))
	return c, nil
}

func (r *Resolver) resolveOne(w work) (outcome, error) {
	candidates := r.policy.Candidates(w.name, w.kind, w.runpath)

	var hits []pool.Hit
	if w.kind == pool.Library && w.requester != nil {
		all, err := r.pool.FindAll(candidates)
		if err != nil {
			return outcome{}, err
		}
		hits = all
	} else {
		hit, ok, err := r.pool.Find(candidates)
		if err != nil {
			return outcome{}, err
		}
		if ok {
			hits = []pool.Hit{hit}
		}
	}

	for _, hit := range hits {
		obj, err := r.inspect(hit.RealPath())
		if errors.Is(err, elfdeps.ErrNotELF) {
			e := newEntry(w, hit, nil)
			e.Opaque = true
			return outcome{entry: &e, unsupported: true}, nil
		}
		if err != nil {
			return outcome{}, fmt.Errorf("inspecting %s: %w", hit.RealPath(), err)
		}
		if !obj.Compatible(w.requester) {
			r.log.Debugf("resolve: skipping %s for %s: %s/%s, want %s/%s\n",
				hit.Rel, w.neededBy, obj.Class, obj.Machine, w.requester.Class, w.requester.Machine)
			continue
		}
		e := newEntry(w, hit, obj)
		return outcome{entry: &e, obj: obj}, nil
	}
	return outcome{missing: true}, nil
}

func newEntry(w work, hit pool.Hit, obj *elfdeps.Object) Entry {
	e := Entry{
		Name:        w.name,
		Kind:        w.kind,
		Requested:   w.requested,
		Interpreter: w.interpreter,
		Alias:       hit.Alias(),
		RootIndex:   hit.RootIndex,
		Rel:         hit.Rel,
		RealRel:     hit.RealRel,
		Path:        hit.Path(),
		RealPath:    hit.RealPath(),
	}
	if obj != nil {
		e.Soname = obj.Soname
		e.Needed = append([]string(nil), obj.Needed...)
	}
	return e
}

// inspect parses each real path at most once per Resolver. Concurrent
// callers for the same path wait for the first one.
func (r *Resolver) inspect(realPath string) (*elfdeps.Object, error) {
	r.mu.Lock()
	if in, ok := r.cache[realPath]; ok {
		r.mu.Unlock()
		return in.obj, in.err
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do(realPath, func() (any, error) {
		obj, err := elfdeps.Inspect(realPath)
		in := inspection{obj: obj, err: err}
		r.mu.Lock()
		r.cache[realPath] = in
		r.mu.Unlock()
		return in, nil
	})
	in := v.(inspection)
	return in.obj, in.err
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
