package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenMiddleware requires a bearer token or X-API-Key header on every
// request except /health and /metrics.
func tokenMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if checkToken(r, token) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="netboot API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func checkToken(r *http.Request, token string) bool {
	got := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
