package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleethq/fleethq/internal/authstore"
	"github.com/fleethq/fleethq/internal/gate"
	"github.com/fleethq/fleethq/internal/shared"
	"github.com/fleethq/fleethq/internal/view"
)

// Handler wires the Settings screen endpoints. Admin-only routes sit behind
// the access gate's admin check; the controller re-checks the same predicate
// so the operations stay unreachable even if a route is mismounted.
type Handler struct {
	logger      *slog.Logger
	controllers *Registry
	store       Store
	auths       *authstore.Registry
	templates   *view.Engine
	csrf        *shared.CSRFManager
	gate        gate.Middleware
	validator   *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, controllers *Registry, store Store, auths *authstore.Registry, templates *view.Engine, csrf *shared.CSRFManager, gate gate.Middleware) *Handler {
	return &Handler{
		logger:      logger,
		controllers: controllers,
		store:       store,
		auths:       auths,
		templates:   templates,
		csrf:        csrf,
		gate:        gate,
		validator:   validator.New(),
	}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireSession)
		r.Get("/", h.showSettings)
		r.Get("/password", h.showSelfPasswordForm)
		r.Post("/password", h.updateSelfPassword)
		r.Post("/editor/close", h.closeEditor)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAdmin)
		r.Get("/profiles/new", h.showCreateProfileForm)
		r.Post("/profiles", h.createProfile)
		r.Get("/profiles/{id}/edit", h.showEditProfileForm)
		r.Post("/profiles/{id}", h.updateProfile)
		r.Get("/profiles/{id}/password", h.showPasswordResetForm)
		r.Post("/profiles/{id}/password", h.resetPassword)
		r.Post("/profiles/{id}/delete", h.deleteProfile)
		r.Get("/vehicles/new", h.showCreateVehicleForm)
		r.Post("/vehicles", h.createVehicle)
	})
}

type formErrors map[string]string

type profileForm struct {
	FullName    string `validate:"required"`
	Email       string `validate:"required,email"`
	Role        string `validate:"required,oneof=admin user"`
	BadgeNumber string
	Password    string
}

type passwordForm struct {
	Password string `validate:"required,min=8"`
}

type vehicleForm struct {
	Name  string `validate:"required"`
	Plate string `validate:"required"`
}

func (h *Handler) controller(r *http.Request) *Controller {
	sess := shared.SessionFromContext(r.Context())
	return h.controllers.For(sess.ID)
}

func (h *Handler) showSettings(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	snap := ctrl.Snapshot()
	if snap.Phase == PhaseIdle {
		// First visit in this session: load the collection (admins only;
		// the controller refuses the fetch for everyone else).
		_ = ctrl.FetchAll(r.Context())
		snap = ctrl.Snapshot()
	}
	sess := shared.SessionFromContext(r.Context())
	auth := h.auths.For(sess.ID)
	current, _ := auth.Profile()
	h.render(w, r, "pages/settings.html", map[string]any{
		"IsAdmin":  auth.IsAdmin(),
		"Current":  current,
		"Profiles": snap.Profiles,
		"Loading":  snap.Phase == PhaseLoading,
		"Error":    snap.Err,
	}, http.StatusOK)
}

func (h *Handler) showCreateProfileForm(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	if err := ctrl.BeginCreate(); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	h.render(w, r, "pages/profile_form.html", map[string]any{"Action": "/settings/profiles", "Errors": formErrors{}}, http.StatusOK)
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	form, errs := h.parseProfileForm(r, true)
	if len(errs) > 0 {
		h.render(w, r, "pages/profile_form.html", map[string]any{"Action": r.URL.Path, "Form": form, "Errors": errs}, http.StatusBadRequest)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(form.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	record := NewProfile{
		ID:           uuid.NewString(),
		FullName:     form.FullName,
		Email:        form.Email,
		Role:         authstore.Role(form.Role),
		BadgeNumber:  form.BadgeNumber,
		PasswordHash: string(hash),
	}
	if err := h.store.InsertProfile(r.Context(), record); err != nil {
		h.logger.Error("create profile", slog.Any("error", err))
		h.render(w, r, "pages/profile_form.html", map[string]any{"Action": r.URL.Path, "Form": form, "Errors": formErrors{"general": shared.UserSafeMessage(err)}}, http.StatusBadRequest)
		return
	}
	ctrl.CompleteEditor(r.Context())
	ctrl.CloseEditor()
	h.redirectWithFlash(w, r, "/settings", "success", "User profile created")
}

func (h *Handler) showEditProfileForm(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	target, ok := h.findProfile(ctrl, chi.URLParam(r, "id"))
	if !ok {
		// Record not in the fetched collection; nothing to edit.
		h.redirectWithFlash(w, r, "/settings", "error", "That user profile is no longer listed.")
		return
	}
	if err := ctrl.BeginEdit(target); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	h.render(w, r, "pages/profile_form.html", map[string]any{"Action": "/settings/profiles/" + target.ID, "Profile": target, "Errors": formErrors{}}, http.StatusOK)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	id := chi.URLParam(r, "id")
	form, errs := h.parseProfileForm(r, false)
	if len(errs) > 0 {
		h.render(w, r, "pages/profile_form.html", map[string]any{"Action": r.URL.Path, "Form": form, "Errors": errs}, http.StatusBadRequest)
		return
	}
	patch := ProfilePatch{
		FullName:    form.FullName,
		Email:       form.Email,
		Role:        authstore.Role(form.Role),
		BadgeNumber: form.BadgeNumber,
	}
	if err := h.store.UpdateProfile(r.Context(), id, patch); err != nil {
		h.logger.Error("update profile", slog.String("id", id), slog.Any("error", err))
		h.render(w, r, "pages/profile_form.html", map[string]any{"Action": r.URL.Path, "Form": form, "Errors": formErrors{"general": shared.UserSafeMessage(err)}}, http.StatusBadRequest)
		return
	}
	ctrl.CompleteEditor(r.Context())
	ctrl.CloseEditor()
	h.redirectWithFlash(w, r, "/settings", "success", "User profile updated")
}

func (h *Handler) showPasswordResetForm(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	target, ok := h.findProfile(ctrl, chi.URLParam(r, "id"))
	if !ok {
		h.redirectWithFlash(w, r, "/settings", "error", "That user profile is no longer listed.")
		return
	}
	if err := ctrl.BeginPasswordReset(target); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	h.render(w, r, "pages/password_form.html", map[string]any{"Action": "/settings/profiles/" + target.ID + "/password", "Profile": target, "Errors": formErrors{}}, http.StatusOK)
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	h.commitPassword(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) showSelfPasswordForm(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	if err := ctrl.BeginSelfPasswordUpdate(); err != nil {
		http.Redirect(w, r, gate.LoginPath, http.StatusSeeOther)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	current, _ := h.auths.For(sess.ID).Profile()
	h.render(w, r, "pages/password_form.html", map[string]any{"Action": "/settings/password", "Profile": current, "Errors": formErrors{}}, http.StatusOK)
}

func (h *Handler) updateSelfPassword(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	current, ok := h.auths.For(sess.ID).Profile()
	if !ok {
		http.Redirect(w, r, gate.LoginPath, http.StatusSeeOther)
		return
	}
	h.commitPassword(w, r, current.ID)
}

// commitPassword is the password editor's commit path, shared between the
// admin reset and the self update.
func (h *Handler) commitPassword(w http.ResponseWriter, r *http.Request, id string) {
	ctrl := h.controller(r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := passwordForm{Password: r.PostFormValue("password")}
	if err := h.validator.Struct(form); err != nil {
		errs := formErrors{"Password": "Password must be at least 8 characters."}
		h.render(w, r, "pages/password_form.html", map[string]any{"Action": r.URL.Path, "Errors": errs}, http.StatusBadRequest)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(form.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := h.store.UpdatePassword(r.Context(), id, string(hash)); err != nil {
		h.logger.Error("update password", slog.String("id", id), slog.Any("error", err))
		h.render(w, r, "pages/password_form.html", map[string]any{"Action": r.URL.Path, "Errors": formErrors{"general": shared.UserSafeMessage(err)}}, http.StatusBadRequest)
		return
	}
	ctrl.CompleteEditor(r.Context())
	ctrl.CloseEditor()
	h.redirectWithFlash(w, r, "/settings", "success", "Password updated")
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	confirmed := r.PostFormValue("confirm") == "yes"
	if err := ctrl.Delete(r.Context(), chi.URLParam(r, "id"), confirmed); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

func (h *Handler) showCreateVehicleForm(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	if err := ctrl.BeginVehicleCreate(); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	h.render(w, r, "pages/vehicle_form.html", map[string]any{"Errors": formErrors{}}, http.StatusOK)
}

func (h *Handler) createVehicle(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := vehicleForm{Name: r.PostFormValue("name"), Plate: r.PostFormValue("plate")}
	if err := h.validator.Struct(form); err != nil {
		errs := make(formErrors)
		for _, fieldErr := range err.(validator.ValidationErrors) {
			errs[fieldErr.Field()] = "This field is required."
		}
		h.render(w, r, "pages/vehicle_form.html", map[string]any{"Form": form, "Errors": errs}, http.StatusBadRequest)
		return
	}
	record := NewVehicle{ID: uuid.NewString(), Name: form.Name, Plate: form.Plate}
	if err := h.store.InsertVehicle(r.Context(), record); err != nil {
		h.logger.Error("create vehicle", slog.Any("error", err))
		h.render(w, r, "pages/vehicle_form.html", map[string]any{"Form": form, "Errors": formErrors{"general": shared.UserSafeMessage(err)}}, http.StatusBadRequest)
		return
	}
	ctrl.CompleteEditor(r.Context())
	ctrl.CloseEditor()
	h.redirectWithFlash(w, r, "/settings", "success", "Vehicle created")
}

func (h *Handler) closeEditor(w http.ResponseWriter, r *http.Request) {
	h.controller(r).CloseEditor()
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

func (h *Handler) parseProfileForm(r *http.Request, withPassword bool) (profileForm, formErrors) {
	errs := make(formErrors)
	if err := r.ParseForm(); err != nil {
		errs["general"] = "Invalid form submission."
		return profileForm{}, errs
	}
	form := profileForm{
		FullName:    r.PostFormValue("full_name"),
		Email:       r.PostFormValue("email"),
		Role:        r.PostFormValue("role"),
		BadgeNumber: r.PostFormValue("badge_number"),
		Password:    r.PostFormValue("password"),
	}
	if err := h.validator.Struct(form); err != nil {
		for _, fieldErr := range err.(validator.ValidationErrors) {
			errs[fieldErr.Field()] = "Please provide a valid value."
		}
	}
	if withPassword && len(form.Password) < 8 {
		errs["Password"] = "Password must be at least 8 characters."
	}
	return form, errs
}

func (h *Handler) findProfile(ctrl *Controller, id string) (authstore.Profile, bool) {
	for _, p := range ctrl.Snapshot().Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return authstore.Profile{}, false
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{Title: "Settings", CSRFToken: csrfToken, Flash: flash, CurrentPath: r.URL.Path, Data: data}
	w.WriteHeader(status)
	if err := h.templates.Render(w, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}
