package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/me/docket/pkg/model"
)

// tokenAuthMiddleware requires "Authorization: Bearer <token>" when token
// is set. An empty token disables the check.
func tokenAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, RequestIDFromContext(r.Context()), http.StatusUnauthorized,
					model.NewUnauthorizedError("missing or invalid API token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
