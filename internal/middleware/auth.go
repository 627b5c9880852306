package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pliu/chatcore/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the "token" query parameter for websocket
// handshakes where browsers cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Auth verifies the request credential and stores the resulting identity in
// the request context. Requests without a valid credential are rejected.
func Auth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := verifier.Verify(TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"error":   "unauthorized",
				})
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the verified identity placed by Auth.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}
