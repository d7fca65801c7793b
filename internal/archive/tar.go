// Package archive packs an assembled tree into the installable root image
// (a compressed tarball) or a live-boot initramfs (gzip'd newc cpio).
//
// Output is reproducible: entries are written in lexical order, owned by
// root and stamped with a fixed modification time.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Epoch is the modification time stamped on every entry.
var Epoch = time.Unix(0, 0).UTC()

// Format is a tarball compression.
type Format string

const (
	FormatTar     Format = "tar"
	FormatTarXZ   Format = "tar.xz"
	FormatTarZstd Format = "tar.zst"
	FormatTarGz   Format = "tar.gz"
	FormatTarLZ4  Format = "tar.lz4"
)

var formats = []Format{FormatTarXZ, FormatTarZstd, FormatTarGz, FormatTarLZ4, FormatTar}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported archive format %q", s)
}

// FormatOf infers the format from a file name.
func FormatOf(name string) (Format, bool) {
	for _, f := range formats {
		if strings.HasSuffix(name, "."+string(f)) {
			return f, true
		}
	}
	if strings.HasSuffix(name, ".tgz") {
		return FormatTarGz, true
	}
	return "", false
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(format Format, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case FormatTarXZ:
		return xz.NewWriter(w)
	case FormatTarZstd:
		return zstd.NewWriter(w)
	case FormatTarGz:
		return pgzip.NewWriter(w), nil
	case FormatTarLZ4:
		return lz4.NewWriter(w), nil
	case FormatTar:
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

func decompressor(format Format, r io.Reader) (io.Reader, func(), error) {
	switch format {
	case FormatTarXZ:
		xr, err := xz.NewReader(r)
		return xr, func() {}, err
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case FormatTarGz:
		gr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gr, func() { gr.Close() }, nil
	case FormatTarLZ4:
		return lz4.NewReader(r), func() {}, nil
	case FormatTar:
		return r, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported archive format %q", format)
}

// WriteTar packs root into dest. The file appears atomically.
func WriteTar(root, dest string, format Format) error {
	return writeAtomic(dest, func(w io.Writer) error {
		cw, err := compressor(format, w)
		if err != nil {
			return err
		}
		tw := tar.NewWriter(cw)
		if err := walkTree(root, func(rel string, info fs.FileInfo, target, full string) error {
			return writeTarEntry(tw, rel, info, target, full)
		}); err != nil {
			return err
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return cw.Close()
	})
}

func writeTarEntry(tw *tar.Writer, rel string, info fs.FileInfo, target, full string) error {
	hdr, err := tar.FileInfoHeader(info, target)
	if err != nil {
		return err
	}
	hdr.Name = "./" + rel
	if info.IsDir() {
		hdr.Name += "/"
	}
	if rel == "." {
		hdr.Name = "./"
		hdr.Mode = 0o755
	}
	// Root images must be portably root-owned.
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "root", "root"
	hdr.ModTime, hdr.AccessTime, hdr.ChangeTime = Epoch, time.Time{}, time.Time{}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// ListTar returns the entry names of a tarball written by WriteTar,
// without the leading "./". The format comes from the file name.
func ListTar(path string) ([]string, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("unsupported archive format: %s", path)
	}
	return ListTarAs(path, format)
}

// ListTarAs is ListTar for a file whose name does not carry its format.
func ListTarAs(path string, format Format) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, done, err := decompressor(format, f)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s reader for %s: %w", format, path, err)
	}
	defer done()

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, "./"), "/")
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// walkTree visits root in lexical order. target is the link target for
// symlinks; full is the on-disk path.
func walkTree(root string, fn func(rel string, info fs.FileInfo, target, full string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
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
		var target string
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err = os.Readlink(p); err != nil {
				return fmt.Errorf("readlink %s: %w", p, err)
			}
		}
		return fn(filepath.ToSlash(rel), info, target, p)
	})
}

// writeAtomic streams into a temp file next to dest and renames it into
// place once fill succeeded.
func writeAtomic(dest string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
