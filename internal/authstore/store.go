// Package authstore is the single source of truth for who is signed in and
// with what privilege. All reads and writes go through Store operations;
// nothing else mutates authentication state.
package authstore

import "sync"

// Role classifies a profile's privilege level.
type Role string

const (
	// RoleAdmin authorizes user and vehicle management.
	RoleAdmin Role = "admin"
	// RoleUser is the default, non-privileged role.
	RoleUser Role = "user"
)

// Profile is the stored identity record for an authenticated user.
// ID is immutable; BadgeNumber is empty when the user has none.
type Profile struct {
	ID          string
	FullName    string
	Email       string
	Role        Role
	BadgeNumber string
}

// IsAdmin reports whether the profile's role grants management access.
// This is the one authorization predicate; the access gate and the settings
// controller both go through it so the checks cannot diverge.
func (p Profile) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Store holds the authentication state for one session: the opaque session
// token and the current profile snapshot. The admin flag is always derived
// from the profile on read, never cached.
type Store struct {
	mu      sync.RWMutex
	token   string
	profile *Profile
}

// NewStore returns an empty, unauthenticated Store.
func NewStore() *Store {
	return &Store{}
}

// SignIn records the session token and profile after authentication.
func (s *Store) SignIn(token string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.profile = &p
}

// SignOut clears all authentication state.
func (s *Store) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.profile = nil
}

// SetProfile replaces the current profile. Pure assignment; the derived
// admin flag changes with it.
func (s *Store) SetProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
}

// Profile returns a copy of the current profile, if any.
func (s *Store) Profile() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return Profile{}, false
	}
	return *s.profile, true
}

// Token returns the opaque session token, if signed in.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", false
	}
	return s.token, true
}

// IsAdmin re-derives the admin flag from the current profile.
func (s *Store) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile != nil && s.profile.IsAdmin()
}
