package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/auth"
)

// Auth verifies the bearer token and stores the caller's account, actor and
// role on the request context. Browsers cannot set headers on a websocket
// upgrade, so the access_token query parameter is accepted for GET requests.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractBearer(r)
			if tok == "" && r.Method == http.MethodGet {
				tok = r.URL.Query().Get("access_token")
			}
			if tok == "" {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"missing credentials"}`, http.StatusUnauthorized)
				return
			}

			id, err := auth.ValidateToken(jwtSecret, tok)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("auth: rejected token")
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithIdentity(r.Context(), id.AccountID, id.ActorID, id.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
