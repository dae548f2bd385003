package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// TokenVerifier turns a bearer token into the actor it was issued for.
type TokenVerifier interface {
	Verify(raw string) (domain.Actor, error)
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying the authenticated actor. The
// actor is also reported to the enclosing Logging middleware.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	noteActor(ctx, a)
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor attached by Auth, if any.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok
}

// Auth returns middleware that resolves the request's bearer token into a
// domain.Actor. Requests without a token pass through anonymously so public
// routes and the WebSocket upgrade keep working; a token that fails
// verification is rejected outright. Use RequireUser or RequireAdmin on
// individual routes to enforce authentication.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			actor, err := verifier.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing authentication token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects anonymous requests and non-admin actors.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := ActorFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing authentication token")
			return
		}
		if !a.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or, for browser WebSocket clients that cannot set headers, in the token
// query parameter.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if r.URL.Path == "/ws" {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}

	return ""
}

// writeError sends a JSON error body shaped like the handler package's.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
