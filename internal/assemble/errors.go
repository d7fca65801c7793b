package assemble

import "fmt"

// AmbiguousDestinationError means two different sources map to the same
// output path. It is never resolved silently.
type AmbiguousDestinationError struct {
	Dest    string
	SourceA string
	SourceB string
}

func (e AmbiguousDestinationError) Error() string {
	return fmt.Sprintf("ambiguous destination %s: both %s and %s map to it", e.Dest, e.SourceA, e.SourceB)
}

// CopyFailureError wraps an I/O failure while writing the tree.
type CopyFailureError struct {
	Path string
	Err  error
}

func (e *CopyFailureError) Error() string {
	return fmt.Sprintf("copying %s: %v", e.Path, e.Err)
}

func (e *CopyFailureError) Unwrap() error { return e.Err }
