package pool

import (
	"path"
	"regexp"
	"strings"
)

// Kind says how a requested name is looked up.
type Kind int

const (
	// Binary names are searched in the policy's binary directories.
	Binary Kind = iota
	// Library names (sonames) are searched in the library directories.
	Library
	// Direct requests are paths relative to a pool root.
	Direct
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Library:
		return "library"
	case Direct:
		return "direct"
	}
	return "unknown"
}

var sharedObjectRe = regexp.MustCompile(`\.so(\.[0-9][0-9.]*)?$`)

// Classify decides the lookup kind from the shape of name.
func Classify(name string) Kind {
	switch {
	case strings.Contains(name, "/"):
		return Direct
	case sharedObjectRe.MatchString(name):
		return Library
	default:
		return Binary
	}
}

// SearchPolicy is the ordered list of directories, relative to each pool
// root, consulted for each kind of request.
type SearchPolicy struct {
	BinaryDirs       []string
	LibraryDirs      []string
	ExtraLibraryDirs []string
}

// DefaultPolicy mirrors the layout of an EL-style distribution tree.
func DefaultPolicy() SearchPolicy {
	return SearchPolicy{
		BinaryDirs:  []string{"usr/bin", "bin", "usr/sbin", "sbin"},
		LibraryDirs: []string{"usr/lib64", "lib64", "usr/lib", "lib"},
		ExtraLibraryDirs: []string{
			"usr/lib64/systemd",
			"usr/lib/systemd",
			"usr/libexec/sudo",
		},
	}
}

// Multilib returns a copy of p that also searches the 32-bit library
// directories after the native ones.
func (p SearchPolicy) Multilib() SearchPolicy {
	out := SearchPolicy{
		BinaryDirs:       append([]string(nil), p.BinaryDirs...),
		LibraryDirs:      append([]string(nil), p.LibraryDirs...),
		ExtraLibraryDirs: append([]string(nil), p.ExtraLibraryDirs...),
	}
	out.LibraryDirs = append(out.LibraryDirs, "usr/lib32", "lib32")
	return out
}

// Candidates returns the relative paths to try for name, best first.
// runpath holds the requester's already expanded RUNPATH directories; they
// are searched before the policy's library directories.
func (p SearchPolicy) Candidates(name string, kind Kind, runpath []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(rel string) {
		rel = cleanRel(rel)
		if rel == "" || seen[rel] {
			return
		}
		seen[rel] = true
		out = append(out, rel)
	}

	switch kind {
	case Direct:
		add(name)
	case Binary:
		for _, dir := range p.BinaryDirs {
			add(path.Join(dir, name))
		}
	case Library:
		for _, dir := range runpath {
			add(path.Join(dir, name))
		}
		for _, dir := range p.LibraryDirs {
			add(path.Join(dir, name))
		}
		for _, dir := range p.ExtraLibraryDirs {
			add(path.Join(dir, name))
		}
	}
	return out
}

// ExpandRunpath turns DT_RUNPATH/DT_RPATH strings of an object located at
// objectRel into root-relative directories. $ORIGIN is substituted; entries
// using other dynamic string tokens are dropped.
func ExpandRunpath(entries []string, objectRel string) []string {
	origin := path.Dir(cleanRel(objectRel))
	var out []string
	for _, entry := range entries {
		for _, dir := range strings.Split(entry, ":") {
			if dir == "" {
				continue
			}
			dir = strings.ReplaceAll(dir, "${ORIGIN}", "$ORIGIN")
			if strings.Contains(dir, "$ORIGIN") {
				dir = strings.ReplaceAll(dir, "$ORIGIN", "/"+origin)
			}
			if strings.Contains(dir, "$") {
				continue
			}
			if rel := cleanRel(dir); rel != "" {
				out = append(out, rel)
			}
		}
	}
	return out
}

// cleanRel normalises p into a root-relative slash path ("" for the root).
func cleanRel(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	return p
}
