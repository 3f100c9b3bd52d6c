package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// BearerAuth rejects requests whose Authorization header does not carry token.
// An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				slog.Warn("Server.BearerAuth: rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("invalid or missing bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
