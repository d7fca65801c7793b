package assemble

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// CopyOverlay copies the directory tree src into root verbatim: symlinks
// are recreated as they are and files keep their permission bits (special
// bits are dropped). Unchanged files are skipped.
func CopyOverlay(src, root string) (*Report, error) {
	report := &Report{}
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		dest := filepath.Join(root, filepath.FromSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			if err := os.MkdirAll(dest, DirMode); err != nil {
				return &CopyFailureError{Path: rel, Err: err}
			}
			return nil
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			created, err := writeLink(root, linkOp{dest: rel, target: target, source: p})
			if err != nil {
				return err
			}
			if created {
				report.Symlinks++
			} else {
				report.Skipped++
			}
		case info.Mode().IsRegular():
			wrote, err := writeFile(root, fileOp{dest: rel, source: p, mode: info.Mode().Perm()})
			if err != nil {
				return err
			}
			if wrote {
				report.Copied++
			} else {
				report.Skipped++
			}
		default:
			// devices and fifos belong in the image tool's device table
			return nil
		}
		report.Paths = append(report.Paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("overlay %s: %w", src, err)
	}
	sort.Strings(report.Paths)
	return report, nil
}

// Verify returns every required path absent from root. A dangling symlink
// counts as present; the image may provide its target at runtime.
func Verify(root string, required []string) []string {
	var missing []string
	for _, req := range required {
		rel := strings.TrimPrefix(path.Clean("/"+req), "/")
		if rel == "" {
			continue
		}
		if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			missing = append(missing, req)
		}
	}
	return missing
}

// CopyFile installs src at dest with mode. It reports false when dest
// already held the same content.
func CopyFile(src, dest string, mode os.FileMode) (bool, error) {
	return writeFile(filepath.Dir(dest), fileOp{dest: filepath.Base(dest), source: src, mode: mode})
}

// Prune removes every file and symlink under root whose root-relative
// path is not in keep, then the directories that held only removed
// entries. Other directories, empty or not, stay. It returns the removed
// paths.
func Prune(root string, keep []string) ([]string, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	var removed []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keepSet[rel] {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return &CopyFailureError{Path: rel, Err: err}
		}
		removed = append(removed, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	parents := make(map[string]bool)
	for _, rel := range removed {
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			parents[dir] = true
		}
	}
	dirs := make([]string, 0, len(parents))
	for dir := range parents {
		dirs = append(dirs, dir)
	}
	// Reverse lexical order visits children before their parent.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		os.Remove(filepath.Join(root, filepath.FromSlash(dir))) // fails while non-empty
	}
	return removed, nil
}
