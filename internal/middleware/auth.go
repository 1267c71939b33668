package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"duck-analytics/internal/domain"
)

// Auth authenticates Bearer tokens with v. A nil validator admits every
// request as a principal with access to all teams; that mode is meant for
// local development only.
func Auth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				ctx := domain.WithPrincipal(r.Context(), domain.ContextPrincipal{Subject: "anonymous", AllTeams: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "unauthorized: provide a valid Bearer token")
				return
			}
			p, err := v.Validate(r.Context(), strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeUnauthorized(w, "unauthorized: invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    "unauthorized",
		"message": msg,
	})
}
