package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/okiedoc/viewgate"
)

type tabContextKey struct{}

func tabFromContext(ctx context.Context) *tab {
	t, _ := ctx.Value(tabContextKey{}).(*tab)
	return t
}

// guard resolves the bearer tab token to an open tab. Browsers cannot set headers on a
// WebSocket handshake, so the events route also accepts ?access_token=.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok && strings.HasSuffix(r.URL.Path, "/events") {
			token = r.URL.Query().Get("access_token")
			ok = token != ""
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.cfg.Tokens.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		t, found := s.lookup(claims.TabID)
		if !found || t.router.Profile().Name != claims.Profile {
			writeError(w, http.StatusUnauthorized, "tab closed")
			return
		}

		ctx := context.WithValue(r.Context(), tabContextKey{}, t)
		ctx = viewgate.WithClientIP(ctx, r.RemoteAddr)
		ctx = viewgate.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	return value[len(bearer):], true
}
