// Package assemble materialises a resolved closure into a target root.
//
// Files are placed by category (binaries, libraries, preserved paths),
// written atomically with fixed modes, and skipped when the destination
// already has the same content. SONAME aliases become relative symlinks.
package assemble

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/pool"
	"github.com/sauzeros/mkrootfs/internal/resolve"
	"github.com/sauzeros/mkrootfs/internal/ui"
)

// Modes applied to everything written, whatever the source mode was.
const (
	ExecMode os.FileMode = 0o755
	FileMode os.FileMode = 0o644
	DirMode  os.FileMode = 0o755
)

// Rules map closure entries to destination directories.
type Rules struct {
	BinaryDir  string
	LibraryDir string
	// Preserve lists source path prefixes that keep their original
	// location, e.g. "usr/lib64/systemd" for private systemd libraries.
	Preserve []string
}

// DefaultRules puts binaries in bin/ and libraries in lib/.
func DefaultRules() Rules {
	return Rules{
		BinaryDir:  "bin",
		LibraryDir: "lib",
		Preserve: []string{
			"lib64/ld-linux",
			"usr/lib64/systemd",
			"usr/lib/systemd",
			"usr/libexec",
		},
	}
}

// Options tune an assembly run.
type Options struct {
	Jobs int
	Log  *ui.Logger
}

// Report summarises one assembly.
type Report struct {
	Copied   int
	Skipped  int
	Symlinks int
	Paths    []string // root-relative destination paths, sorted
}

// fileOp writes one regular file.
type fileOp struct {
	dest   string // root-relative
	source string // absolute
	mode   os.FileMode
}

// linkOp creates one relative symlink.
type linkOp struct {
	dest   string
	target string
	source string // for collision reports
}

type layout struct {
	files []fileOp
	links []linkOp
}

// Destination returns where rules place e, root-relative.
func (r Rules) Destination(e resolve.Entry) string {
	if r.preserved(e) {
		return e.Rel
	}
	base := path.Base(e.Rel)
	if e.Kind == pool.Binary {
		return path.Join(r.BinaryDir, base)
	}
	return path.Join(r.LibraryDir, base)
}

func (r Rules) preserved(e resolve.Entry) bool {
	if e.Interpreter || e.Kind == pool.Direct {
		return true
	}
	for _, prefix := range r.Preserve {
		if strings.HasPrefix(e.Rel, prefix) {
			return true
		}
	}
	return false
}

// plan computes every write without touching the target. All ambiguous
// destinations are reported together.
func (r Rules) plan(entries []resolve.Entry) (*layout, error) {
	p := &layout{}
	files := make(map[string]int)
	links := make(map[string]int)
	var errs []error

	addFile := func(op fileOp) {
		if i, ok := files[op.dest]; ok {
			prev := &p.files[i]
			if prev.source != op.source {
				same, err := checksum.Same(prev.source, op.source)
				if err != nil || !same {
					errs = append(errs, AmbiguousDestinationError{Dest: op.dest, SourceA: prev.source, SourceB: op.source})
					return
				}
			}
			if op.mode == ExecMode {
				prev.mode = ExecMode
			}
			return
		}
		if i, ok := links[op.dest]; ok {
			errs = append(errs, AmbiguousDestinationError{Dest: op.dest, SourceA: p.links[i].source, SourceB: op.source})
			return
		}
		files[op.dest] = len(p.files)
		p.files = append(p.files, op)
	}

	addLink := func(op linkOp) {
		if i, ok := links[op.dest]; ok {
			if p.links[i].target != op.target {
				errs = append(errs, AmbiguousDestinationError{Dest: op.dest, SourceA: p.links[i].source, SourceB: op.source})
			}
			return
		}
		if i, ok := files[op.dest]; ok {
			errs = append(errs, AmbiguousDestinationError{Dest: op.dest, SourceA: p.files[i].source, SourceB: op.source})
			return
		}
		links[op.dest] = len(p.links)
		p.links = append(p.links, op)
	}

	for _, e := range entries {
		mode := FileMode
		if e.Executable() {
			mode = ExecMode
		}
		dest := r.Destination(e)
		if !e.Alias {
			addFile(fileOp{dest: dest, source: e.RealPath, mode: mode})
			continue
		}
		content := path.Join(path.Dir(dest), path.Base(e.RealRel))
		addFile(fileOp{dest: content, source: e.RealPath, mode: mode})
		addLink(linkOp{dest: dest, target: path.Base(e.RealRel), source: e.Path})
	}

	// A link whose destination was claimed by a file added later.
	for _, l := range p.links {
		if i, ok := files[l.dest]; ok {
			errs = append(errs, AmbiguousDestinationError{Dest: l.dest, SourceA: p.files[i].source, SourceB: l.source})
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// Assemble writes closure into root according to rules.
func Assemble(closure *resolve.Closure, root string, rules Rules, opts Options) (*Report, error) {
	p, err := rules.plan(closure.Entries())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, DirMode); err != nil {
		return nil, &CopyFailureError{Path: root, Err: err}
	}

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}

	var bar *progressbar.ProgressBar
	if opts.Log.Interactive() && len(p.files) > 0 {
		bar = progressbar.NewOptions(len(p.files),
			progressbar.OptionSetWriter(opts.Log.Out),
			progressbar.OptionSetDescription("assembling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	report := &Report{}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(jobs)
	for _, op := range p.files {
		g.Go(func() error {
			wrote, err := writeFile(root, op)
			if err != nil {
				return err
			}
			mu.Lock()
			if wrote {
				report.Copied++
				opts.Log.Debugf("assemble: %s <- %s\n", op.dest, op.source)
			} else {
				report.Skipped++
			}
			if bar != nil {
				bar.Add(1)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if bar != nil {
		bar.Finish()
	}

	for _, op := range p.links {
		created, err := writeLink(root, op)
		if err != nil {
			return nil, err
		}
		if created {
			report.Symlinks++
			opts.Log.Debugf("assemble: %s -> %s\n", op.dest, op.target)
		} else {
			report.Skipped++
		}
	}

	for _, op := range p.files {
		report.Paths = append(report.Paths, op.dest)
	}
	for _, op := range p.links {
		report.Paths = append(report.Paths, op.dest)
	}
	sort.Strings(report.Paths)
	return report, nil
}

// writeFile copies op.source into place unless the destination already
// holds the same bytes. Only the mode is fixed up in that case.
func writeFile(root string, op fileOp) (bool, error) {
	dest := filepath.Join(root, filepath.FromSlash(op.dest))

	if info, err := os.Lstat(dest); err == nil && info.Mode().IsRegular() {
		same, err := checksum.Same(op.source, dest)
		if err != nil {
			return false, &CopyFailureError{Path: op.dest, Err: err}
		}
		if same {
			if info.Mode().Perm() != op.mode || info.Mode()&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky) != 0 {
				if err := os.Chmod(dest, op.mode); err != nil {
					return false, &CopyFailureError{Path: op.dest, Err: err}
				}
			}
			return false, nil
		}
	}

	if err := copyAtomic(op.source, dest, op.mode); err != nil {
		return false, &CopyFailureError{Path: op.dest, Err: err}
	}
	return true, nil
}

func copyAtomic(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), DirMode); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".mkrootfs-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	// Chmod after creation so the umask cannot interfere.
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

func writeLink(root string, op linkOp) (bool, error) {
	dest := filepath.Join(root, filepath.FromSlash(op.dest))
	if info, err := os.Lstat(dest); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(dest); err == nil && target == op.target {
				return false, nil
			}
		} else if info.IsDir() {
			return false, &CopyFailureError{Path: op.dest, Err: fmt.Errorf("a directory is in the way of symlink -> %s", op.target)}
		}
	}
	if err := symlinkAtomic(op.target, dest); err != nil {
		return false, &CopyFailureError{Path: op.dest, Err: err}
	}
	return true, nil
}

// symlinkAtomic creates the link under a temporary name and renames it
// over dest, so an existing file or link is replaced in one step.
func symlinkAtomic(target, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), DirMode); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", dest, os.Getpid())
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
