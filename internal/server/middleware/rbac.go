package middleware

import "net/http"

// Role constants define the supported caller roles, lowest privilege first.
const (
	RoleViewer = "viewer"
	RoleMember = "member"
	RoleAdmin  = "admin"
)

var roleRank = map[string]int{ //nolint:gochecknoglobals // static table
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
}

// HasRole reports whether role grants at least minimum. Unknown roles grant
// nothing.
func HasRole(role, minimum string) bool {
	have, ok := roleRank[role]
	if !ok {
		return false
	}
	return have >= roleRank[minimum]
}

// RequireRole returns middleware that admits callers holding minimum or a
// higher role. It must be chained after Auth.
//
// Returns 401 Unauthorized when no role is found in context and 403 Forbidden
// when the role ranks below minimum.
func RequireRole(minimum string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok || role == "" {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			if !HasRole(role, minimum) {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"insufficient permissions"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin is a convenience wrapper for RequireRole(RoleAdmin).
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(RoleAdmin)
}
