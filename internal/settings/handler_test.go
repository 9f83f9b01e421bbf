package settings

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fleethq/fleethq/internal/authstore"
	"github.com/fleethq/fleethq/internal/gate"
	"github.com/fleethq/fleethq/internal/shared"
	"github.com/fleethq/fleethq/internal/view"
)

var errTest = errors.New("backend unavailable")

type settingsHarness struct {
	router  chi.Router
	store   *memoryStore
	auths   *authstore.Registry
	ctrls   *Registry
	session *shared.Session
}

// newSettingsHarness mounts the settings routes behind a middleware that
// injects a fixed session, standing in for the cookie/redis layer.
func newSettingsHarness(t *testing.T, signedIn authstore.Profile) *settingsHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemoryStore()
	store.addProfile(signedIn)

	auths := authstore.NewRegistry()
	ctrls := NewRegistry(logger, store, auths)

	sess := &shared.Session{ID: "sess-test"}
	sess.SetUser(signedIn.ID)
	auths.For(sess.ID).SignIn(sess.ID, signedIn)

	templates, err := view.NewEngine()
	require.NoError(t, err)

	g := gate.Middleware{Stores: auths, Logger: logger}
	handler := NewHandler(logger, ctrls, store, auths, templates, shared.NewCSRFManager("csrfsecret"), g)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
		})
	})
	router.Route("/settings", handler.MountRoutes)

	return &settingsHarness{router: router, store: store, auths: auths, ctrls: ctrls, session: sess}
}

func (h *settingsHarness) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (h *settingsHarness) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestSettingsPageListsProfilesForAdmin(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)
	h.store.addProfile(plainProfile)

	rec := h.get("/settings")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "User Management")
	require.Contains(t, body, "Dana Ops")
	require.Contains(t, body, "Sam Driver")
	require.Contains(t, body, "B-204")
}

func TestSettingsPageNonAdminSeesAccountView(t *testing.T) {
	h := newSettingsHarness(t, plainProfile)

	rec := h.get("/settings")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.NotContains(t, body, "User Management")
	require.Contains(t, body, "Account Settings")
	require.Zero(t, h.store.listCalls)
}

func TestAdminRoutesForbiddenForNonAdmin(t *testing.T) {
	h := newSettingsHarness(t, plainProfile)

	paths := []string{"/settings/profiles/new", "/settings/vehicles/new"}
	for _, path := range paths {
		rec := h.get(path)
		require.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	rec := h.post("/settings/profiles/u-admin/delete", url.Values{"confirm": {"yes"}})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateProfileRoundTrip(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)
	require.Equal(t, http.StatusOK, h.get("/settings").Code)

	rec := h.get("/settings/profiles/new")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Create New User")

	rec = h.post("/settings/profiles", url.Values{
		"full_name":    {"New Hire"},
		"email":        {"new@fleethq.test"},
		"role":         {"user"},
		"badge_number": {"B-900"},
		"password":     {"longenough"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/settings", rec.Header().Get("Location"))

	// The post-commit refetch already folded the new row in.
	snap := h.ctrls.For(h.session.ID).Snapshot()
	require.Equal(t, EditorNone, snap.Editor.Kind)
	require.Len(t, snap.Profiles, 2)
	body := h.get("/settings").Body.String()
	require.Contains(t, body, "New Hire")
}

func TestCreateProfileValidationRerendersForm(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)

	rec := h.post("/settings/profiles", url.Values{
		"full_name": {"No Email"},
		"role":      {"user"},
		"password":  {"longenough"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Please provide a valid value.")
	// Nothing was written.
	require.Len(t, h.store.profiles, 1)
}

func TestDeleteProfileConfirmedRemovesRow(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)
	h.store.addProfile(plainProfile)
	require.Equal(t, http.StatusOK, h.get("/settings").Code)

	rec := h.post("/settings/profiles/u-plain/delete", url.Values{"confirm": {"yes"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	body := h.get("/settings").Body.String()
	require.NotContains(t, body, "Sam Driver")
}

func TestDeleteProfileUnconfirmedIsNoOp(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)
	h.store.addProfile(plainProfile)
	require.Equal(t, http.StatusOK, h.get("/settings").Code)

	rec := h.post("/settings/profiles/u-plain/delete", url.Values{})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	body := h.get("/settings").Body.String()
	require.Contains(t, body, "Sam Driver")
}

func TestFetchFailureShowsBanner(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)
	h.store.mu.Lock()
	h.store.listErr = errTest
	h.store.mu.Unlock()

	rec := h.get("/settings")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), MsgFetchFailed)
}

func TestSelfPasswordUpdate(t *testing.T) {
	h := newSettingsHarness(t, plainProfile)
	h.store.sessions["sess-test"] = SessionInfo{Token: "sess-test", UserID: plainProfile.ID}

	rec := h.get("/settings/password")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Update Password")

	rec = h.post("/settings/password", url.Values{"password": {"longenough"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/settings", rec.Header().Get("Location"))
	require.Equal(t, EditorNone, h.ctrls.For(h.session.ID).Snapshot().Editor.Kind)
}

func TestSelfPasswordTooShortRerenders(t *testing.T) {
	h := newSettingsHarness(t, plainProfile)

	rec := h.post("/settings/password", url.Values{"password": {"short"}})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Password must be at least 8 characters.")
}

func TestCreateVehicleRoundTrip(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)

	rec := h.get("/settings/vehicles/new")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Create New Vehicle")

	rec = h.post("/settings/vehicles", url.Values{
		"name":  {"Van 7"},
		"plate": {"FL-3391"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Len(t, h.store.vehicles, 1)
	require.Equal(t, EditorNone, h.ctrls.For(h.session.ID).Snapshot().Editor.Kind)
}

func TestEditorCloseRoute(t *testing.T) {
	h := newSettingsHarness(t, adminProfile)

	require.Equal(t, http.StatusOK, h.get("/settings/profiles/new").Code)
	require.Equal(t, EditorCreating, h.ctrls.For(h.session.ID).Snapshot().Editor.Kind)

	rec := h.post("/settings/editor/close", url.Values{})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, EditorNone, h.ctrls.For(h.session.ID).Snapshot().Editor.Kind)
}
