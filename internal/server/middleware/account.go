package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequireAccount rejects callers whose token names no account.
func RequireAccount() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aid, ok := AccountIDFromContext(r.Context())
			if !ok || aid == uuid.Nil {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"valid account required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
