package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	slogctx "github.com/veqryn/slog-context"

	"github.com/beatranks/session-service/internal/config"
	"github.com/beatranks/session-service/internal/serviceerr"
	"github.com/beatranks/session-service/internal/session"
	"github.com/beatranks/session-service/internal/settings"
)

type authHandler struct {
	manager  *session.Manager
	settings settings.Store

	successRedirectPrefix string
	failureRedirect       string
}

func newAuthHandler(cfg *config.Config, manager *session.Manager, settingsStore settings.Store) *authHandler {
	successPrefix := cfg.Auth.SuccessRedirectPrefix
	if successPrefix == "" {
		successPrefix = "/u/"
	}

	failureRedirect := cfg.Auth.FailureRedirect
	if failureRedirect == "" {
		failureRedirect = "/"
	}

	return &authHandler{
		manager:               manager,
		settings:              settingsStore,
		successRedirectPrefix: successPrefix,
		failureRedirect:       failureRedirect,
	}
}

type errorModel struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	model := errorModel{Error: string(serviceerr.CodeUnknown)}
	status := http.StatusInternalServerError

	var svcErr *serviceerr.Error
	if errors.As(err, &svcErr) {
		model.Error = string(svcErr.Err)
		model.Description = svcErr.Description
		status = svcErr.HTTPStatus()
	}

	writeJSON(w, status, model)
}

// login prepares an authorization request and hands the URL to the page, with
// the flow secrets parked in short-lived cookies.
func (h *authHandler) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	loginAttempt, err := h.manager.BeginLogin(ctx)
	if err != nil {
		slogctx.Error(ctx, "Preparing an authorization request", "error", err)
		writeError(w, err)

		return
	}

	for _, c := range h.manager.MakeFlowCookies(loginAttempt) {
		http.SetCookie(w, c)
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": loginAttempt.URL})
}

// callback finishes the login flow. It always answers with a redirect: errors
// are logged, never surfaced to the browser.
func (h *authHandler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// the attempt is consumed whichever way this goes
	for _, c := range h.manager.ClearFlowCookies() {
		http.SetCookie(w, c)
	}

	verifier := h.manager.VerifierFromRequest(r)
	if verifier == "" {
		slogctx.Warn(ctx, "Callback without a usable verifier cookie; the login attempt expired or never started")
		http.Redirect(w, r, h.failureRedirect, http.StatusFound)

		return
	}

	if wantState := h.manager.StateFromRequest(r); wantState != "" {
		if gotState := r.URL.Query().Get("state"); gotState != wantState {
			slogctx.Warn(ctx, "Callback state does not match the flow cookie")
			http.Redirect(w, r, h.failureRedirect, http.StatusFound)

			return
		}
	}

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		slogctx.Warn(ctx, "Provider reported an authorization error",
			"error", errCode, "description", r.URL.Query().Get("error_description"))
		http.Redirect(w, r, h.failureRedirect, http.StatusFound)

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		slogctx.Warn(ctx, "Callback without an authorization code")
		http.Redirect(w, r, h.failureRedirect, http.StatusFound)

		return
	}

	established, err := h.manager.FinaliseLogin(ctx, code, verifier)
	if err != nil {
		slogctx.Error(ctx, "Finalising the login", "error", err)
		http.Redirect(w, r, h.failureRedirect, http.StatusFound)

		return
	}

	http.SetCookie(w, h.manager.MakeSessionCookie(ctx, established.Token, established.RefreshExpiresAt))
	http.Redirect(w, r, h.successRedirectPrefix+url.PathEscape(established.Claims.Subject), http.StatusFound)
}

// whoami reports the authenticated identity, refreshing the session
// transparently when the access token has aged out.
func (h *authHandler) whoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, identity.Claims)
}

// logout tears the session down. The response is the same whether a session
// existed or not.
func (h *authHandler) logout(w http.ResponseWriter, r *http.Request) {
	h.manager.Logout(r.Context(), h.manager.TokenFromRequest(r))

	http.SetCookie(w, h.manager.ClearSessionCookie())
	writeJSON(w, http.StatusOK, map[string]string{"logout": "success"})
}

// getSettings returns the user's preference blob, or an empty object when
// none was ever saved.
func (h *authHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	blob, err := h.settings.Load(ctx, identity.Claims.Subject)
	if errors.Is(err, serviceerr.ErrNotFound) {
		blob = json.RawMessage(`{}`)
	} else if err != nil {
		slogctx.Error(ctx, "Loading settings", "error", err)
		writeError(w, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (h *authHandler) putSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	blob, err := io.ReadAll(io.LimitReader(r.Body, settings.MaxBlobSize+1))
	if err != nil {
		writeError(w, serviceerr.ErrInvalidRequest)

		return
	}

	if err := settings.ValidateBlob(blob); err != nil {
		writeError(w, err)

		return
	}

	if err := h.settings.Save(ctx, identity.Claims.Subject, blob); err != nil {
		slogctx.Error(ctx, "Saving settings", "error", err)
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// authenticate resolves the session cookie into an identity. On a rotation
// the cookie is re-issued with the extended expiry; on a dead or missing
// session the cookie is cleared and a 401 body written.
func (h *authHandler) authenticate(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	ctx := r.Context()

	identity, err := h.manager.Authenticate(ctx, h.manager.TokenFromRequest(r))
	if err != nil {
		if errors.Is(err, serviceerr.ErrNoSession) || errors.Is(err, serviceerr.ErrSessionExpired) {
			http.SetCookie(w, h.manager.ClearSessionCookie())
		} else {
			slogctx.Error(ctx, "Authenticating a request", "error", err)
		}

		writeError(w, err)

		return session.Identity{}, false
	}

	if identity.Rotated {
		http.SetCookie(w, h.manager.MakeSessionCookie(ctx, identity.Token, identity.RefreshExpiresAt))
	}

	return identity, true
}
