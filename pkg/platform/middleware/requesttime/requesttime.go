// Package requesttime pins "now" at the start of a request so the claim,
// its audit event and the response all carry the same timestamp.
package requesttime

import (
	"net/http"
	"time"

	"trialrand/pkg/requestcontext"
)

// Middleware stores the request start time in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
