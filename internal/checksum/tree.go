package checksum

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Tree hashes the whole tree under root: every directory, symlink
// target, file mode and file content, in lexical order.
func Tree(root string) (string, error) {
	type node struct {
		rel    string
		mode   fs.FileMode
		target string
		file   string
	}
	var nodes []node
	var files []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n := node{rel: filepath.ToSlash(rel), mode: info.Mode()}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if n.target, err = os.Readlink(p); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			n.file = p
			files = append(files, p)
		}
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %s: %w", root, err)
	}

	sums, err := Files(files)
	if err != nil {
		return "", err
	}

	h := New()
	for _, n := range nodes {
		fmt.Fprintf(h, "%s\x00%o\x00%s\x00", n.rel, uint32(n.mode), n.target)
		if n.file != "" {
			fmt.Fprint(h, sums[n.file])
		}
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
