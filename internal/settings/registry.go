package settings

import (
	"log/slog"
	"sync"

	"github.com/fleethq/fleethq/internal/authstore"
)

// Registry keeps one Controller per signed-in session, mirroring the
// authstore registry lifecycle.
type Registry struct {
	logger *slog.Logger
	store  Store
	auths  *authstore.Registry

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *slog.Logger, store Store, auths *authstore.Registry) *Registry {
	return &Registry{
		logger:      logger,
		store:       store,
		auths:       auths,
		controllers: make(map[string]*Controller),
	}
}

// For returns the Controller bound to the session ID, creating it when
// absent.
func (r *Registry) For(sessionID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.controllers[sessionID]
	if !ok {
		ctrl = NewController(r.logger, r.store, r.auths.For(sessionID))
		r.controllers[sessionID] = ctrl
	}
	return ctrl
}

// Drop removes the Controller bound to the session ID.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, sessionID)
}
