package api

import (
	"net/http"

	"github.com/mattjoyce/studiobridge/internal/auth"
)

// openPrincipal is used when no credentials are configured.
var openPrincipal = auth.Principal{Token: "anonymous", Scopes: map[string]struct{}{auth.ScopeAll: {}}}

func (s *Server) authEnabled() bool {
	return s.config.APIKey != "" || len(s.config.Tokens) > 0
}

// authMiddleware resolves the caller from X-API-Key or a bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), openPrincipal)))
			return
		}

		token, err := auth.ExtractToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, required...) {
				s.writeError(w, http.StatusForbidden, "forbidden", "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
