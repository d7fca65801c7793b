package resolve

import (
	"fmt"
	"strings"
)

// MissingLibraryError reports a name that no pool root could satisfy.
// NeededBy lists the objects whose NEEDED entries asked for it; it is
// empty when the name was requested directly.
type MissingLibraryError struct {
	Name     string
	NeededBy []string
}

func (e MissingLibraryError) Error() string {
	if len(e.NeededBy) == 0 {
		return fmt.Sprintf("missing library %s", e.Name)
	}
	return fmt.Sprintf("missing library %s (needed by %s)", e.Name, strings.Join(e.NeededBy, ", "))
}

// UnsupportedFormatError reports a file that exists in the pool but is not
// an ELF object, for example a shell script installed as a binary.
type UnsupportedFormatError struct {
	Name string
	Path string
}

func (e UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format: %s (%s) is not an ELF object", e.Name, e.Path)
}
