package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalToken guards service-to-service endpoints (credit grants, job
// event reports, reconciliation). Callers authenticate with a shared
// static token in the X-Internal-Token header.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
