package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleethq/fleethq/internal/authstore"
	"github.com/fleethq/fleethq/internal/shared"
)

type memoryStore struct {
	mu       sync.Mutex
	profiles map[string]authstore.Profile
	order    []string
	sessions map[string]SessionInfo
	vehicles map[string]NewVehicle

	listErr    error
	deleteErr  error
	sessionErr error
	userErr    error
	getErr     error

	listCalls int
	// listGate, when set, blocks ListProfiles until released. Used to
	// interleave concurrent fetches deterministically.
	listGate chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		profiles: make(map[string]authstore.Profile),
		sessions: make(map[string]SessionInfo),
		vehicles: make(map[string]NewVehicle),
	}
}

func (m *memoryStore) addProfile(p authstore.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.profiles[p.ID] = p
}

func (m *memoryStore) ListProfiles(ctx context.Context) ([]authstore.Profile, error) {
	m.mu.Lock()
	m.listCalls++
	gate := m.listGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]authstore.Profile, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.profiles[id])
	}
	return out, nil
}

func (m *memoryStore) GetProfile(ctx context.Context, id string) (authstore.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return authstore.Profile{}, m.getErr
	}
	p, ok := m.profiles[id]
	if !ok {
		return authstore.Profile{}, shared.ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) InsertProfile(ctx context.Context, p NewProfile) error {
	m.addProfile(authstore.Profile{
		ID: p.ID, FullName: p.FullName, Email: p.Email,
		Role: p.Role, BadgeNumber: p.BadgeNumber,
	})
	return nil
}

func (m *memoryStore) UpdateProfile(ctx context.Context, id string, patch ProfilePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.FullName = patch.FullName
	p.Email = patch.Email
	p.Role = patch.Role
	p.BadgeNumber = patch.BadgeNumber
	m.profiles[id] = p
	return nil
}

func (m *memoryStore) DeleteProfile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.profiles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.profiles, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memoryStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return shared.ErrNotFound
	}
	return nil
}

func (m *memoryStore) CurrentSession(ctx context.Context, token string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionErr != nil {
		return SessionInfo{}, m.sessionErr
	}
	info, ok := m.sessions[token]
	if !ok {
		return SessionInfo{}, shared.ErrNotFound
	}
	return info, nil
}

func (m *memoryStore) CurrentUser(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return "", m.userErr
	}
	info, ok := m.sessions[token]
	if !ok {
		return "", shared.ErrNotFound
	}
	return info.UserID, nil
}

func (m *memoryStore) InsertVehicle(ctx context.Context, v NewVehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	return nil
}

var (
	adminProfile = authstore.Profile{ID: "u-admin", FullName: "Dana Ops", Email: "dana@fleethq.test", Role: authstore.RoleAdmin}
	plainProfile = authstore.Profile{ID: "u-plain", FullName: "Sam Driver", Email: "sam@fleethq.test", Role: authstore.RoleUser, BadgeNumber: "B-204"}
)

func newTestController(t *testing.T, store Store, signedIn authstore.Profile) (*Controller, *authstore.Store) {
	t.Helper()
	auth := authstore.NewStore()
	auth.SignIn("tok-"+signedIn.ID, signedIn)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(logger, store, auth), auth
}

func TestFetchAllRequiresAdmin(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, plainProfile)

	err := ctrl.FetchAll(context.Background())
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.Zero(t, store.listCalls)

	snap := ctrl.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Empty(t, snap.Profiles)
}

func TestFetchAllLoadsCollection(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	store.addProfile(plainProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.FetchAll(context.Background()))

	snap := ctrl.Snapshot()
	require.Equal(t, PhaseLoaded, snap.Phase)
	require.Empty(t, snap.Err)
	require.Len(t, snap.Profiles, 2)
	require.Equal(t, "u-admin", snap.Profiles[0].ID)
}

func TestFetchAllIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.FetchAll(context.Background()))
	first := ctrl.Snapshot()
	require.NoError(t, ctrl.FetchAll(context.Background()))
	second := ctrl.Snapshot()

	require.Equal(t, first.Phase, second.Phase)
	require.Equal(t, first.Profiles, second.Profiles)
}

func TestFetchAllRemoteFailure(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.FetchAll(context.Background()))
	require.Len(t, ctrl.Snapshot().Profiles, 1)

	store.mu.Lock()
	store.listErr = errors.New("connection reset")
	store.mu.Unlock()

	// The remote failure is absorbed, not returned.
	require.NoError(t, ctrl.FetchAll(context.Background()))

	snap := ctrl.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Equal(t, MsgFetchFailed, snap.Err)
	require.Empty(t, snap.Profiles)
}

func TestFetchAllErrorThenRecovery(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	store.mu.Lock()
	store.listErr = errors.New("timeout")
	store.mu.Unlock()
	require.NoError(t, ctrl.FetchAll(context.Background()))
	require.Equal(t, PhaseError, ctrl.Snapshot().Phase)

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()
	require.NoError(t, ctrl.FetchAll(context.Background()))

	snap := ctrl.Snapshot()
	require.Equal(t, PhaseLoaded, snap.Phase)
	require.Empty(t, snap.Err)
	require.Len(t, snap.Profiles, 1)
}

func TestFetchAllStaleResponseDiscarded(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	gate := make(chan struct{})
	store.mu.Lock()
	store.listGate = gate
	store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.FetchAll(context.Background())
	}()

	// Wait for the first fetch to reach the store, then issue a second
	// fetch that completes before the first one does.
	for {
		store.mu.Lock()
		reached := store.listCalls == 1
		store.mu.Unlock()
		if reached {
			break
		}
	}

	store.mu.Lock()
	store.listGate = nil
	store.mu.Unlock()
	store.addProfile(plainProfile)
	require.NoError(t, ctrl.FetchAll(context.Background()))
	require.Len(t, ctrl.Snapshot().Profiles, 2)

	// Release the superseded fetch; its single-row response must not
	// overwrite the newer two-row collection.
	close(gate)
	<-done
	snap := ctrl.Snapshot()
	require.Equal(t, PhaseLoaded, snap.Phase)
	require.Len(t, snap.Profiles, 2)
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	store.addProfile(plainProfile)
	ctrl, _ := newTestController(t, store, adminProfile)
	require.NoError(t, ctrl.FetchAll(context.Background()))

	require.NoError(t, ctrl.Delete(context.Background(), "u-plain", false))

	snap := ctrl.Snapshot()
	require.Len(t, snap.Profiles, 2)
	_, err := store.GetProfile(context.Background(), "u-plain")
	require.NoError(t, err)
}

func TestDeleteRemovesConfirmedTarget(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	store.addProfile(plainProfile)
	ctrl, _ := newTestController(t, store, adminProfile)
	require.NoError(t, ctrl.FetchAll(context.Background()))

	require.NoError(t, ctrl.Delete(context.Background(), "u-plain", true))

	snap := ctrl.Snapshot()
	require.Equal(t, PhaseLoaded, snap.Phase)
	require.Len(t, snap.Profiles, 1)
	require.Equal(t, "u-admin", snap.Profiles[0].ID)
	_, err := store.GetProfile(context.Background(), "u-plain")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteFailureKeepsCollection(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	store.addProfile(plainProfile)
	ctrl, _ := newTestController(t, store, adminProfile)
	require.NoError(t, ctrl.FetchAll(context.Background()))

	store.mu.Lock()
	store.deleteErr = errors.New("row locked")
	store.mu.Unlock()

	require.NoError(t, ctrl.Delete(context.Background(), "u-plain", true))

	snap := ctrl.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Equal(t, MsgDeleteFailed, snap.Err)
	require.Len(t, snap.Profiles, 2)
}

func TestDeleteRequiresAdmin(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(plainProfile)
	ctrl, _ := newTestController(t, store, plainProfile)

	err := ctrl.Delete(context.Background(), "u-plain", true)
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, getErr := store.GetProfile(context.Background(), "u-plain")
	require.NoError(t, getErr)
}

func TestEditorsAreMutuallyExclusive(t *testing.T) {
	store := newMemoryStore()
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.BeginCreate())
	require.Equal(t, EditorCreating, ctrl.Snapshot().Editor.Kind)

	require.NoError(t, ctrl.BeginEdit(plainProfile))
	snap := ctrl.Snapshot()
	require.Equal(t, EditorEditing, snap.Editor.Kind)
	require.Equal(t, "u-plain", snap.Editor.Target.ID)

	require.NoError(t, ctrl.BeginVehicleCreate())
	snap = ctrl.Snapshot()
	require.Equal(t, EditorVehicleCreate, snap.Editor.Kind)
	require.Nil(t, snap.Editor.Target)

	ctrl.CloseEditor()
	require.Equal(t, EditorNone, ctrl.Snapshot().Editor.Kind)
}

func TestEditorOpsRequireAdmin(t *testing.T) {
	store := newMemoryStore()
	ctrl, _ := newTestController(t, store, plainProfile)

	require.ErrorIs(t, ctrl.BeginCreate(), shared.ErrForbidden)
	require.ErrorIs(t, ctrl.BeginEdit(adminProfile), shared.ErrForbidden)
	require.ErrorIs(t, ctrl.BeginVehicleCreate(), shared.ErrForbidden)
	require.ErrorIs(t, ctrl.BeginPasswordReset(adminProfile), shared.ErrForbidden)
	require.Equal(t, EditorNone, ctrl.Snapshot().Editor.Kind)
}

func TestPasswordResetSelfAllowedForNonAdmin(t *testing.T) {
	store := newMemoryStore()
	ctrl, _ := newTestController(t, store, plainProfile)

	require.NoError(t, ctrl.BeginPasswordReset(plainProfile))
	require.Equal(t, EditorPasswordReset, ctrl.Snapshot().Editor.Kind)

	ctrl.CloseEditor()
	require.NoError(t, ctrl.BeginSelfPasswordUpdate())
	snap := ctrl.Snapshot()
	require.Equal(t, EditorPasswordReset, snap.Editor.Kind)
	require.Equal(t, "u-plain", snap.Editor.Target.ID)
}

func TestCompleteEditorRefetchesOncePerCommit(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.BeginCreate())
	require.NoError(t, store.InsertProfile(context.Background(), NewProfile{
		ID: "u-new", FullName: "New Hire", Email: "new@fleethq.test", Role: authstore.RoleUser,
	}))

	before := store.listCalls
	ctrl.CompleteEditor(context.Background())
	ctrl.CloseEditor()

	require.Equal(t, before+1, store.listCalls)
	snap := ctrl.Snapshot()
	require.Equal(t, EditorNone, snap.Editor.Kind)
	require.Len(t, snap.Profiles, 2)
}

func TestCompleteEditorAfterCloseDoesNothing(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.BeginCreate())
	ctrl.CloseEditor()
	ctrl.CompleteEditor(context.Background())

	require.Zero(t, store.listCalls)
}

func TestCompleteVehicleEditorRunsHook(t *testing.T) {
	store := newMemoryStore()
	ctrl, _ := newTestController(t, store, adminProfile)

	var fired int
	ctrl.VehicleRecorded = func() { fired++ }

	require.NoError(t, ctrl.BeginVehicleCreate())
	ctrl.CompleteEditor(context.Background())
	ctrl.CloseEditor()

	require.Equal(t, 1, fired)
	require.Zero(t, store.listCalls)
}

func TestCompletePasswordResetAdminRefetches(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(adminProfile)
	store.addProfile(plainProfile)
	ctrl, _ := newTestController(t, store, adminProfile)

	require.NoError(t, ctrl.BeginPasswordReset(plainProfile))
	ctrl.CompleteEditor(context.Background())
	ctrl.CloseEditor()

	require.Equal(t, 1, store.listCalls)
	require.Equal(t, PhaseLoaded, ctrl.Snapshot().Phase)
}

func TestSelfPasswordUpdateRefreshesOwnProfile(t *testing.T) {
	store := newMemoryStore()
	store.addProfile(plainProfile)
	store.sessions["tok-u-plain"] = SessionInfo{Token: "tok-u-plain", UserID: "u-plain"}
	ctrl, auth := newTestController(t, store, plainProfile)

	renamed := plainProfile
	renamed.FullName = "Sam B. Driver"
	store.addProfile(renamed)

	require.NoError(t, ctrl.BeginSelfPasswordUpdate())
	ctrl.CompleteEditor(context.Background())
	ctrl.CloseEditor()

	got, ok := auth.Profile()
	require.True(t, ok)
	require.Equal(t, "Sam B. Driver", got.FullName)
	// Admin-only fetch must not have run for a non-admin.
	require.Zero(t, store.listCalls)
}

func TestProfileRefreshFailuresAreSilent(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*memoryStore)
	}{
		{"session lookup fails", func(m *memoryStore) { m.sessionErr = errors.New("expired") }},
		{"user lookup fails", func(m *memoryStore) { m.userErr = errors.New("gone") }},
		{"profile fetch fails", func(m *memoryStore) { m.getErr = errors.New("unavailable") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore()
			store.addProfile(plainProfile)
			store.sessions["tok-u-plain"] = SessionInfo{Token: "tok-u-plain", UserID: "u-plain"}
			tc.setup(store)
			ctrl, auth := newTestController(t, store, plainProfile)

			require.NoError(t, ctrl.BeginSelfPasswordUpdate())
			ctrl.CompleteEditor(context.Background())
			ctrl.CloseEditor()

			// The stored profile stays whatever it was before the refresh.
			got, ok := auth.Profile()
			require.True(t, ok)
			require.Equal(t, plainProfile, got)
		})
	}
}

func TestRegistryIsPerSession(t *testing.T) {
	store := newMemoryStore()
	auths := authstore.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(logger, store, auths)

	a := reg.For("sess-a")
	b := reg.For("sess-b")
	require.NotSame(t, a, b)
	require.Same(t, a, reg.For("sess-a"))

	reg.Drop("sess-a")
	require.NotSame(t, a, reg.For("sess-a"))
}
