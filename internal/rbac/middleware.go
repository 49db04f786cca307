package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/orderdesk/orderdesk/internal/platform/httpx"
	"github.com/orderdesk/orderdesk/internal/shared"
)

// ActorResolver maps a session user id to the acting identity and role.
type ActorResolver interface {
	ResolveActor(ctx context.Context, id string) (shared.Actor, error)
}

// Middleware wires authentication and role checks for HTTP handlers.
type Middleware struct {
	Resolver ActorResolver
	Logger   *slog.Logger
}

// Authenticate attaches the session's actor to the request context when one
// is signed in. Anonymous requests pass through untouched.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(r)
		if !ok || m.Resolver == nil {
			next.ServeHTTP(w, r)
			return
		}
		actor, err := m.Resolver.ResolveActor(r.Context(), userID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrUnauthorized) {
				next.ServeHTTP(w, r)
				return
			}
			m.logError("rbac resolve actor", err)
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireRole ensures the current actor holds one of roles. No roles means
// any signed-in actor.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := normalizeRoles(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			if !hasRole(actor.Role, allowed) {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

func currentUserID(r *http.Request) (string, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return "", false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return "", false
	}
	return raw, true
}

func normalizeRoles(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" {
			continue
		}
		set[r] = struct{}{}
	}
	return set
}

func hasRole(role string, allowed map[string]struct{}) bool {
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[strings.ToLower(role)]
	return ok
}
