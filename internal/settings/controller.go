// Package settings orchestrates the Settings screen: the user profile
// collection with its create/edit/delete/password-reset flows, plus the
// vehicle creation trigger. One Controller exists per signed-in session.
package settings

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fleethq/fleethq/internal/authstore"
	"github.com/fleethq/fleethq/internal/shared"
)

// Fixed user-facing banner messages. Underlying causes go to the logs only.
const (
	MsgFetchFailed  = "Failed to fetch user profiles."
	MsgDeleteFailed = "Failed to delete user profile."
)

// Phase describes where the controller is in its load cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseError
)

// EditorKind identifies which record editor is open. Exactly one editor can
// be open at a time; the tagged value makes that structural.
type EditorKind int

const (
	EditorNone EditorKind = iota
	EditorCreating
	EditorEditing
	EditorPasswordReset
	EditorVehicleCreate
)

// Editor is the transient editing session. Target is nil in create modes.
type Editor struct {
	Kind   EditorKind
	Target *authstore.Profile
}

// SessionInfo is a validated session row from the record store.
type SessionInfo struct {
	Token  string
	UserID string
}

// NewProfile carries the fields required to create a profile record.
type NewProfile struct {
	ID           string
	FullName     string
	Email        string
	Role         authstore.Role
	BadgeNumber  string
	PasswordHash string
}

// ProfilePatch carries the mutable fields of a profile record.
type ProfilePatch struct {
	FullName    string
	Email       string
	Role        authstore.Role
	BadgeNumber string
}

// NewVehicle carries the fields required to create a vehicle record.
type NewVehicle struct {
	ID    string
	Name  string
	Plate string
}

// Store is the remote record store the controller coordinates against.
// Any backend exposing this shape suffices.
type Store interface {
	ListProfiles(ctx context.Context) ([]authstore.Profile, error)
	GetProfile(ctx context.Context, id string) (authstore.Profile, error)
	InsertProfile(ctx context.Context, p NewProfile) error
	UpdateProfile(ctx context.Context, id string, patch ProfilePatch) error
	DeleteProfile(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	CurrentSession(ctx context.Context, token string) (SessionInfo, error)
	CurrentUser(ctx context.Context, token string) (string, error)
	InsertVehicle(ctx context.Context, v NewVehicle) error
}

// Controller tracks the profiles collection, its load state and the open
// editor for one session. The collection is a point-in-time copy of server
// state, never authoritative.
type Controller struct {
	logger *slog.Logger
	store  Store
	auth   *authstore.Store

	mu         sync.Mutex
	phase      Phase
	errMsg     string
	collection []authstore.Profile
	editor     Editor
	fetchGen   uint64

	// VehicleRecorded runs after a vehicle creation commits. Extension
	// point, intentionally unwired: the vehicle list lives outside this
	// screen and no refresh behavior is defined for it yet.
	VehicleRecorded func()
}

// NewController constructs an idle Controller for the given auth store.
func NewController(logger *slog.Logger, store Store, auth *authstore.Store) *Controller {
	return &Controller{logger: logger, store: store, auth: auth, phase: PhaseIdle}
}

// Snapshot is a consistent copy of controller state for rendering.
type Snapshot struct {
	Phase    Phase
	Err      string
	Profiles []authstore.Profile
	Editor   Editor
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	profiles := make([]authstore.Profile, len(c.collection))
	copy(profiles, c.collection)
	return Snapshot{Phase: c.phase, Err: c.errMsg, Profiles: profiles, Editor: c.editor}
}

// FetchAll replaces the collection with the server's current rows.
// Remote failures are absorbed into the Error state with MsgFetchFailed;
// only an authorization failure is returned to the caller. Concurrent
// fetches are resolved last-issued-wins: a response belonging to a
// superseded fetch is discarded.
func (c *Controller) FetchAll(ctx context.Context) error {
	if !c.auth.IsAdmin() {
		return shared.ErrForbidden
	}

	c.mu.Lock()
	c.fetchGen++
	gen := c.fetchGen
	c.phase = PhaseLoading
	c.errMsg = ""
	c.mu.Unlock()

	rows, err := c.store.ListProfiles(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.fetchGen {
		// A later fetch was issued while this one was in flight.
		return nil
	}
	if err != nil {
		c.logger.Error("fetch profiles", slog.Any("error", err))
		c.phase = PhaseError
		c.errMsg = MsgFetchFailed
		c.collection = nil
		return nil
	}
	if rows == nil {
		rows = []authstore.Profile{}
	}
	c.collection = rows
	c.phase = PhaseLoaded
	return nil
}

// Delete removes a profile record, first remotely, then from the local
// collection by ID equality. Nothing is removed locally until the server
// confirms. confirmed=false aborts with no side effect.
func (c *Controller) Delete(ctx context.Context, id string, confirmed bool) error {
	if !c.auth.IsAdmin() {
		return shared.ErrForbidden
	}
	if !confirmed {
		return nil
	}

	c.mu.Lock()
	c.phase = PhaseLoading
	c.errMsg = ""
	c.mu.Unlock()

	err := c.store.DeleteProfile(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Error("delete profile", slog.String("id", id), slog.Any("error", err))
		c.phase = PhaseError
		c.errMsg = MsgDeleteFailed
		return nil
	}
	kept := c.collection[:0]
	for _, p := range c.collection {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	c.collection = kept
	c.phase = PhaseLoaded
	return nil
}

// BeginCreate opens the profile editor in create mode.
func (c *Controller) BeginCreate() error {
	if !c.auth.IsAdmin() {
		return shared.ErrForbidden
	}
	c.setEditor(Editor{Kind: EditorCreating})
	return nil
}

// BeginEdit opens the profile editor targeting an existing record.
func (c *Controller) BeginEdit(p authstore.Profile) error {
	if !c.auth.IsAdmin() {
		return shared.ErrForbidden
	}
	c.setEditor(Editor{Kind: EditorEditing, Target: &p})
	return nil
}

// BeginPasswordReset opens the password editor. Admins may target any
// profile; everyone else only their own.
func (c *Controller) BeginPasswordReset(p authstore.Profile) error {
	if !c.auth.IsAdmin() {
		current, ok := c.auth.Profile()
		if !ok || current.ID != p.ID {
			return shared.ErrForbidden
		}
	}
	c.setEditor(Editor{Kind: EditorPasswordReset, Target: &p})
	return nil
}

// BeginSelfPasswordUpdate opens the password editor for the caller's own
// profile. This is the only operation reachable without the admin role.
func (c *Controller) BeginSelfPasswordUpdate() error {
	current, ok := c.auth.Profile()
	if !ok {
		return shared.ErrForbidden
	}
	c.setEditor(Editor{Kind: EditorPasswordReset, Target: &current})
	return nil
}

// BeginVehicleCreate opens the vehicle creation editor.
func (c *Controller) BeginVehicleCreate() error {
	if !c.auth.IsAdmin() {
		return shared.ErrForbidden
	}
	c.setEditor(Editor{Kind: EditorVehicleCreate})
	return nil
}

// CompleteEditor runs the open editor's completion side effects. Callers
// invoke it after a successful commit and before CloseEditor, so the
// re-fetch fires exactly once per commit. Cancellation skips it entirely.
func (c *Controller) CompleteEditor(ctx context.Context) {
	c.mu.Lock()
	editor := c.editor
	c.mu.Unlock()

	switch editor.Kind {
	case EditorCreating, EditorEditing:
		_ = c.FetchAll(ctx)
	case EditorPasswordReset:
		if c.auth.IsAdmin() {
			_ = c.FetchAll(ctx)
			return
		}
		c.refreshOwnProfile(ctx)
	case EditorVehicleCreate:
		if c.VehicleRecorded != nil {
			c.VehicleRecorded()
		}
	}
}

// CloseEditor destroys the editing session regardless of commit or cancel.
func (c *Controller) CloseEditor() {
	c.setEditor(Editor{})
}

func (c *Controller) setEditor(e Editor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editor = e
}

// refreshOwnProfile re-derives the session, re-fetches the caller's own
// profile row and writes it into the auth store. Every stage failure is
// logged and aborts the pipeline, but the password change that triggered
// the refresh already succeeded, so nothing is surfaced to the user.
func (c *Controller) refreshOwnProfile(ctx context.Context) {
	token, ok := c.auth.Token()
	if !ok {
		c.logger.Warn("profile refresh skipped: no session token")
		return
	}
	if _, err := c.store.CurrentSession(ctx, token); err != nil {
		c.logger.Warn("profile refresh: session lookup", slog.Any("error", err))
		return
	}
	userID, err := c.store.CurrentUser(ctx, token)
	if err != nil {
		c.logger.Warn("profile refresh: user lookup", slog.Any("error", err))
		return
	}
	profile, err := c.store.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Warn("profile refresh: profile fetch", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	c.auth.SetProfile(profile)
}
