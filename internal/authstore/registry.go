package authstore

import "sync"

// Registry keeps one Store per HTTP session. Stores are created on first
// use and dropped on sign-out or session expiry.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// For returns the Store bound to the session ID, creating it when absent.
func (r *Registry) For(sessionID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[sessionID]
	if !ok {
		store = NewStore()
		r.stores[sessionID] = store
	}
	return store
}

// Lookup returns the Store for the session ID without creating one.
func (r *Registry) Lookup(sessionID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[sessionID]
	return store, ok
}

// Drop removes the Store bound to the session ID.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, sessionID)
}
