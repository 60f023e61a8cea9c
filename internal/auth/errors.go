package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies token validation failures.
type ErrorKind string

// Validation failure kinds.
const (
	// KindMalformed indicates the credential is not a parseable token.
	KindMalformed ErrorKind = "malformed"

	// KindBadSignature indicates the signature did not verify.
	KindBadSignature ErrorKind = "bad_signature"

	// KindExpired indicates the token expired beyond the clock skew.
	KindExpired ErrorKind = "expired"

	// KindWrongIssuer indicates the iss claim does not match the
	// configured issuer.
	KindWrongIssuer ErrorKind = "wrong_issuer"

	// KindWrongAudience indicates the aud claim does not contain the
	// configured audience.
	KindWrongAudience ErrorKind = "wrong_audience"

	// KindProviderUnavailable indicates the identity provider's key
	// endpoint could not be reached; this is an operational failure, not
	// an invalid token.
	KindProviderUnavailable ErrorKind = "identity_provider_unavailable"
)

// Error is a token validation error.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new auth error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// KindOf extracts the error kind, defaulting to KindMalformed for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindMalformed
}

// HTTPStatus maps an error kind to the response status at the gateway
// boundary. Client-caused failures are 401; an unreachable identity provider
// is an operational failure and maps to 503.
func HTTPStatus(kind ErrorKind) int {
	if kind == KindProviderUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

// IsClientError reports whether the failure was caused by the presented
// credential rather than gateway-side degradation. The distinction drives
// log severity.
func IsClientError(kind ErrorKind) bool {
	return kind != KindProviderUnavailable
}
