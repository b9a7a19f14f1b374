package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/psantana5/taskgate/pkg/auth"
)

// ExemptPaths are never checked for an API key
var ExemptPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// APIKey requires "Authorization: Bearer <key>" on every request except the
// exempt paths. A verifier with no key configured lets everything through.
func APIKey(verifier *auth.KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !verifier.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err == auth.ErrMissingHeader {
				unauthorized(w, "Missing Authorization header")
				return
			}
			if err != nil || !verifier.Verify(token) {
				unauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
