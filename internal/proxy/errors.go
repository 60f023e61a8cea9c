package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies forwarding failures.
type ErrorKind string

const (
	// KindUpstreamTimeout indicates the backend did not respond within the
	// route timeout.
	KindUpstreamTimeout ErrorKind = "upstream_timeout"

	// KindUpstreamUnreachable indicates the connection to the backend
	// failed before a response started.
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"

	// KindUpstreamBadResponse indicates the backend produced a response
	// the gateway could not relay.
	KindUpstreamBadResponse ErrorKind = "upstream_bad_response"
)

// Error is a forwarding error.
type Error struct {
	Kind    ErrorKind
	Backend string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("proxy: %s: backend %s: %v", e.Kind, e.Backend, e.Cause)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the error kind, defaulting to KindUpstreamUnreachable for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var fwdErr *Error
	if errors.As(err, &fwdErr) {
		return fwdErr.Kind
	}
	return KindUpstreamUnreachable
}

// HTTPStatus maps an error kind to the response status at the gateway
// boundary.
func HTTPStatus(kind ErrorKind) int {
	if kind == KindUpstreamTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
