package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// publicPaths bypass the authorization gate: the login/refresh flows talk
// to the lifecycle service directly, and probes/metrics stay open.
var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth publishes the client address into the request context, then
// validates the bearer token, evaluates the route's declared requirement
// and publishes the principal before any handler runs. Deny
// short-circuits the handler entirely.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(auth.ContextWithClientIP(r.Context(), clientIP(r)))
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "authentication failed")
			return
		}

		req, ok := routeRequirements[r.URL.Path]
		if !ok {
			// Undeclared routes still demand a valid principal.
			req = authz.Authenticated()
		}

		principal, err := a.gate.Authorize(r.Context(), token, req)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrForbidden):
				writeError(w, r, http.StatusForbidden, "forbidden")
			case errors.Is(err, auth.ErrUnauthenticated):
				writeError(w, r, http.StatusUnauthorized, "authentication failed")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
