package auth

import (
	"net/http"
	"strings"
)

// ErrNoCredential is returned when the request carries no bearer credential.
var ErrNoCredential = NewError(KindMalformed, "missing bearer credential", nil)

// ExtractBearer pulls the bearer credential from the Authorization header.
// The scheme comparison is case-insensitive per RFC 7235.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoCredential
	}

	scheme, credential, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", NewError(KindMalformed, "authorization header is not a bearer credential", nil)
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrNoCredential
	}

	return credential, nil
}
