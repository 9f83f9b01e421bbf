// Package gate authorizes entry into the protected view tree. The decision
// is re-evaluated on every request; nothing is cached between navigations.
package gate

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/fleethq/fleethq/internal/authstore"
	"github.com/fleethq/fleethq/internal/shared"
)

// LoginPath is where unauthenticated requests are redirected.
const LoginPath = "/login"

// ProfileSource fetches a profile by ID. Used to rehydrate the auth store
// when a Redis session outlives the process that created it.
type ProfileSource interface {
	GetProfile(ctx context.Context, id string) (authstore.Profile, error)
}

// Middleware wires session and role checks for HTTP handlers.
type Middleware struct {
	Stores   *authstore.Registry
	Profiles ProfileSource
	Logger   *slog.Logger
}

// RequireSession allows the request through only when a signed-in session
// exists; otherwise it redirects to the login view. Session absence is a
// normal branch, not a failure.
func (m Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, ok := m.resolve(r)
		if !ok {
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
			return
		}
		if _, ok := store.Profile(); !ok {
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin ensures the signed-in user currently holds the admin role.
// The predicate is the same one the settings controller consults.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, ok := m.resolve(r)
		if !ok {
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
			return
		}
		if !store.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolve maps the request session to its auth store, rehydrating the
// profile from the record store when the in-memory state was lost.
func (m Middleware) resolve(r *http.Request) (*authstore.Store, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		return nil, false
	}
	store := m.Stores.For(sess.ID)
	if _, ok := store.Profile(); ok {
		return store, true
	}
	if m.Profiles == nil {
		return nil, false
	}
	profile, err := m.Profiles.GetProfile(r.Context(), sess.User())
	if err != nil {
		if m.Logger != nil {
			m.Logger.Warn("gate rehydrate profile", slog.String("user_id", sess.User()), slog.Any("error", err))
		}
		return nil, false
	}
	store.SignIn(sess.ID, profile)
	return store, true
}
