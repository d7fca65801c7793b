package resolve

import (
	"errors"
	"fmt"
	"path"

	"github.com/sauzeros/mkrootfs/internal/checksum"
	"github.com/sauzeros/mkrootfs/internal/pool"
)

// Entry is one file that must end up in the output tree.
type Entry struct {
	Name string // requested name, NEEDED soname or interpreter path
	Kind pool.Kind

	Requested   bool // named by the caller rather than found through NEEDED
	Interpreter bool // PT_INTERP of some member of the closure
	Alias       bool // Name is a symlink to a file with another basename
	Opaque      bool // not an ELF object; copied as is

	RootIndex int
	Rel       string // root-relative path that matched
	RealRel   string // root-relative path of the content
	Path      string
	RealPath  string

	Soname string
	Needed []string
}

// Executable reports whether the entry is installed with execute bits.
func (e Entry) Executable() bool {
	switch {
	case e.Interpreter:
		return true
	case e.Kind == pool.Binary:
		return true
	case e.Kind == pool.Direct:
		return pool.Classify(path.Base(e.Rel)) == pool.Binary
	}
	return false
}

// Closure is the result of a resolution. Roots and Transitive are in
// processing order, which depends only on the requested list and the pool
// contents.
type Closure struct {
	Roots       []Entry
	Transitive  []Entry
	Missing     []MissingLibraryError
	Unsupported []UnsupportedFormatError
}

// Entries returns roots followed by transitive entries.
func (c *Closure) Entries() []Entry {
	out := make([]Entry, 0, len(c.Roots)+len(c.Transitive))
	out = append(out, c.Roots...)
	return append(out, c.Transitive...)
}

// Lookup returns the entry resolved for name.
func (c *Closure) Lookup(name string) (Entry, bool) {
	for _, e := range c.Roots {
		if e.Name == name {
			return e, true
		}
	}
	for _, e := range c.Transitive {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Problems returns every missing and unsupported name as an error.
func (c *Closure) Problems() []error {
	var errs []error
	for _, m := range c.Missing {
		errs = append(errs, m)
	}
	for _, u := range c.Unsupported {
		errs = append(errs, u)
	}
	return errs
}

// Check applies the missing-library policy. Lenient mode never fails;
// strict mode fails with all problems joined, not just the first.
func (c *Closure) Check(strict bool) error {
	if !strict {
		return nil
	}
	return errors.Join(c.Problems()...)
}

// Digest is a BLAKE3 digest of the closure's canonical rendering. Equal
// closures have equal digests.
func (c *Closure) Digest() string {
	h := checksum.New()
	write := func(section string, e Entry) {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s\x00%s\x00%t%t%t\x00%s\x00",
			section, e.Name, e.Kind, e.RootIndex, e.Rel, e.RealRel,
			e.Alias, e.Interpreter, e.Opaque, e.Soname)
		for _, n := range e.Needed {
			fmt.Fprintf(h, "%s\x01", n)
		}
		h.Write([]byte{'\n'})
	}
	for _, e := range c.Roots {
		write("root", e)
	}
	for _, e := range c.Transitive {
		write("transitive", e)
	}
	for _, m := range c.Missing {
		fmt.Fprintf(h, "missing\x00%s\n", m.Name)
	}
	for _, u := range c.Unsupported {
		fmt.Fprintf(h, "unsupported\x00%s\x00%s\n", u.Name, u.Path)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
