package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientKey identifies the party a rate limit decision applies to.
type ClientKey struct {
	// Bucket names the limit configuration the decision uses.
	Bucket string

	// ClientID is the stable identity the counter is keyed on: the token
	// subject for authenticated requests, otherwise the client IP.
	ClientID string
}

// ClientIP extracts the originating client address. The leftmost
// X-Forwarded-For entry wins, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
