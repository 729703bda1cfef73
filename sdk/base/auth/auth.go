package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// BearerOrRolesMiddleware authorizes when either a valid bearer token is
// provided or any role in X-User-Roles matches one of allowedRoles. With no
// secret and no roles every request is allowed.
func BearerOrRolesMiddleware(secret string, allowedRoles []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" && len(allowedRoles) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if secret != "" && CheckSecret(ExtractBearer(r), secret) {
				next.ServeHTTP(w, r)
				return
			}
			if hasAnyAllowedRole(r.Header.Get("X-User-Roles"), allowedRoles) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		})
	}
}

// ExtractBearer returns the bearer token of r, if any.
func ExtractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// CheckSecret compares token with expected in constant time. An empty
// expected secret accepts anything.
func CheckSecret(token, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func hasAnyAllowedRole(header string, allowed []string) bool {
	if header == "" || len(allowed) == 0 {
		return false
	}
	allow := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		if rr := strings.TrimSpace(r); rr != "" {
			allow[rr] = struct{}{}
		}
	}
	for _, it := range strings.Split(header, ",") {
		if _, ok := allow[strings.TrimSpace(it)]; ok {
			return true
		}
	}
	return false
}
