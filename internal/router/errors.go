package router

import "fmt"

// ErrorKind classifies routing failures.
type ErrorKind string

// KindNotFound indicates no route prefix matched the request path.
const KindNotFound ErrorKind = "not_found"

// Error is a routing error.
type Error struct {
	Kind ErrorKind
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("router: %s: no route for path %q", e.Kind, e.Path)
}
