package middleware

import (
	"net/http"
	"strings"

	"github.com/pulsemetrics/pulsegate/internal/httputil"
)

// ServiceTokenVerifier validates a service credential and returns its
// subject.
type ServiceTokenVerifier interface {
	Verify(token string) (string, error)
}

// RequireServiceToken guards the operational API with a service JWT.
func RequireServiceToken(verifier ServiceTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerToken(r)
			if tok == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing authorization")
				return
			}
			if _, err := verifier.Verify(tok); err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid service token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the bearer credential from the Authorization
// header, or returns "".
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
