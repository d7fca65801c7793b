// Package pool is a read-only view over the extracted upstream package
// trees that binaries and libraries are taken from.
//
// Roots are searched in priority order. Symlinks inside a root are
// followed as the target system would see them: absolute link targets are
// relative to the root and ".." never climbs above it, so a lookup cannot
// leak into the host filesystem.
package pool

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

const maxSymlinks = 40

// ErrSymlinkLoop is returned when resolving a path needs more than 40 links.
var ErrSymlinkLoop = errors.New("too many levels of symbolic links")

// Hit is one file found in the pool.
type Hit struct {
	RootIndex int
	Root      string
	Rel       string // path that was asked for
	RealRel   string // path after following symlinks inside the root
	Linked    bool   // a symlink was followed to get from Rel to RealRel
}

// Path is the on-disk location of the requested path.
func (h Hit) Path() string { return filepath.Join(h.Root, filepath.FromSlash(h.Rel)) }

// RealPath is the on-disk location of the file's content.
func (h Hit) RealPath() string { return filepath.Join(h.Root, filepath.FromSlash(h.RealRel)) }

// Alias reports whether the requested name is only another name for a file
// stored under a different basename, e.g. libtinfo.so.6 -> libtinfo.so.6.3.
func (h Hit) Alias() bool {
	return h.Linked && path.Base(h.Rel) != path.Base(h.RealRel)
}

// Pool is an ordered, immutable list of root directories.
type Pool struct {
	roots []string
}

// New validates roots and returns a Pool. Duplicate roots keep their first
// (highest priority) position.
func New(roots ...string) (*Pool, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("binary pool needs at least one root")
	}
	p := &Pool{}
	seen := make(map[string]bool)
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("pool root %s: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("pool root %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("pool root %s is not a directory", root)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		p.roots = append(p.roots, abs)
	}
	return p, nil
}

// Roots returns the roots in priority order.
func (p *Pool) Roots() []string {
	return append([]string(nil), p.roots...)
}

// Find returns the first regular file matching any candidate. Every
// candidate is tried in root 0 before root 1 is consulted.
func (p *Pool) Find(candidates []string) (Hit, bool, error) {
	for i := range p.roots {
		for _, rel := range candidates {
			hit, ok, err := p.lookup(i, rel)
			if err != nil {
				return Hit{}, false, err
			}
			if ok {
				return hit, true, nil
			}
		}
	}
	return Hit{}, false, nil
}

// FindAll returns every match in the same priority order as Find.
func (p *Pool) FindAll(candidates []string) ([]Hit, error) {
	var hits []Hit
	for i := range p.roots {
		for _, rel := range candidates {
			hit, ok, err := p.lookup(i, rel)
			if err != nil {
				return nil, err
			}
			if ok {
				hits = append(hits, hit)
			}
		}
	}
	return hits, nil
}

func (p *Pool) lookup(rootIndex int, rel string) (Hit, bool, error) {
	root := p.roots[rootIndex]
	rel = cleanRel(rel)
	if rel == "" {
		return Hit{}, false, nil
	}
	realRel, linked, err := resolveInRoot(root, rel)
	if err != nil {
		if isNotFound(err) {
			return Hit{}, false, nil
		}
		return Hit{}, false, fmt.Errorf("looking up %s in %s: %w", rel, root, err)
	}
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(realRel)))
	if err != nil {
		if isNotFound(err) {
			return Hit{}, false, nil
		}
		return Hit{}, false, err
	}
	if !info.Mode().IsRegular() {
		return Hit{}, false, nil
	}
	return Hit{
		RootIndex: rootIndex,
		Root:      root,
		Rel:       rel,
		RealRel:   realRel,
		Linked:    linked,
	}, true, nil
}

// resolveInRoot follows every symlink in rel, component by component,
// treating root as "/".
func resolveInRoot(root, rel string) (string, bool, error) {
	var resolved []string
	pending := splitRel(rel)
	links := 0
	linked := false

	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]

		switch c {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		next := append(append([]string(nil), resolved...), c)
		full := filepath.Join(root, filepath.Join(next...))
		info, err := os.Lstat(full)
		if err != nil {
			return "", false, err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		links++
		if links > maxSymlinks {
			return "", false, fmt.Errorf("%s: %w", rel, ErrSymlinkLoop)
		}
		target, err := os.Readlink(full)
		if err != nil {
			return "", false, err
		}
		linked = true
		if strings.HasPrefix(target, "/") {
			resolved = nil
		}
		pending = append(splitRel(target), pending...)
	}
	return path.Join(resolved...), linked, nil
}

func splitRel(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}

func isNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
