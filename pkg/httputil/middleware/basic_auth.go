package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/httputil"
)

// BasicAuthConfig holds the username-password pairs for basic authentication.
type BasicAuthConfig struct {
	Credentials map[string]string
}

func BasicAuthCreds(credentials map[string]string) *BasicAuthConfig {
	return &BasicAuthConfig{Credentials: credentials}
}

// VerifyBasicAuth rejects requests without valid basic credentials and stores the
// user name in the request context.
func VerifyBasicAuth(config *BasicAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
				http.Error(w, "Authorization header missing", http.StatusUnauthorized)
				return
			}
			if !strings.HasPrefix(authHeader, "Basic ") {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			credentials, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
			if err != nil {
				http.Error(w, "Invalid base64 encoding", http.StatusUnauthorized)
				return
			}
			username, password, ok := strings.Cut(string(credentials), ":")
			if !ok {
				http.Error(w, "Invalid credentials format", http.StatusUnauthorized)
				return
			}

			valid, known := config.Credentials[username]
			if !known || subtle.ConstantTimeCompare([]byte(valid), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
