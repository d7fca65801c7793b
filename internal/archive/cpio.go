package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/pgzip"
)

const (
	cpioMagic   = "070701"
	cpioTrailer = "TRAILER!!!"

	modeDir     = 0o040000
	modeRegular = 0o100000
	modeSymlink = 0o120000
)

// cpioWriter writes the "newc" format the kernel unpacks as initramfs.
type cpioWriter struct {
	w   io.Writer
	ino uint32
	n   int64
}

func (c *cpioWriter) write(p []byte) error {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return err
}

func (c *cpioWriter) pad() error {
	if rem := c.n % 4; rem != 0 {
		return c.write(make([]byte, 4-rem))
	}
	return nil
}

func (c *cpioWriter) header(name string, mode uint32, size int64, nlink uint32) error {
	c.ino++
	hdr := fmt.Sprintf("%s%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		cpioMagic,
		c.ino,
		mode,
		0, 0, // uid, gid
		nlink,
		uint32(Epoch.Unix()),
		uint32(size),
		0, 0, 0, 0, // dev and rdev
		len(name)+1,
		0, // check
	)
	if err := c.write([]byte(hdr)); err != nil {
		return err
	}
	if err := c.write(append([]byte(name), 0)); err != nil {
		return err
	}
	return c.pad()
}

func (c *cpioWriter) entry(rel string, info fs.FileInfo, target, full string) error {
	if rel == "." {
		return nil
	}
	perm := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		return c.header(rel, modeDir|perm, 0, 2)
	case info.Mode()&os.ModeSymlink != 0:
		if err := c.header(rel, modeSymlink|0o777, int64(len(target)), 1); err != nil {
			return err
		}
		if err := c.write([]byte(target)); err != nil {
			return err
		}
		return c.pad()
	case info.Mode().IsRegular():
		if info.Size() > 0xFFFFFFFF {
			return fmt.Errorf("%s: too large for a newc archive", rel)
		}
		if err := c.header(rel, modeRegular|perm, info.Size(), 1); err != nil {
			return err
		}
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(c.w, f)
		c.n += n
		if err != nil {
			return err
		}
		if n != info.Size() {
			return fmt.Errorf("%s changed while archiving", rel)
		}
		return c.pad()
	}
	// Device nodes are created by devtmpfs at boot.
	return nil
}

func (c *cpioWriter) close() error {
	return c.header(cpioTrailer, 0, 0, 1)
}

// WriteCpio packs root into dest as a gzip-compressed newc archive.
func WriteCpio(root, dest string) error {
	return writeAtomic(dest, func(w io.Writer) error {
		gz := pgzip.NewWriter(w)
		c := &cpioWriter{w: gz}
		if err := walkTree(root, c.entry); err != nil {
			return err
		}
		if err := c.close(); err != nil {
			return err
		}
		return gz.Close()
	})
}
