// Package middleware provides HTTP middleware shared by the gateway's
// listeners.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/retailedge/gateway/internal/observability"
	"github.com/retailedge/gateway/internal/util"
)

// Recovery returns a middleware that converts panics into 500 responses.
// The connection stays usable and the panic is logged with its stack.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					correlationID := util.CorrelationIDFromContext(r.Context())
					logger.Error("panic recovered",
						observability.Any("panic", rec),
						observability.String("correlation_id", correlationID),
						observability.String("method", r.Method),
						observability.String("path", r.URL.Path),
						observability.String("stack", string(debug.Stack())),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
