package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/marcogenualdo/sso-client/internal/navigator"
	"github.com/marcogenualdo/sso-client/internal/session"
)

// AuthHandler serves the entry points of the redirect flow. Redirects are
// written by the navigator bound to each request.
type AuthHandler struct {
	manager         *session.Manager
	defaultReturnTo string
	logger          *slog.Logger
}

func NewAuthHandler(manager *session.Manager, defaultReturnTo string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		manager:         manager,
		defaultReturnTo: defaultReturnTo,
		logger:          logger,
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	appState := appStateFromQuery(r, h.defaultReturnTo)
	if err := h.manager.Login(r.Context(), appState); err != nil {
		h.logger.Error("failed to start login", "error", err)
		h.failUnlessNavigated(w, r)
	}
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	appState := appStateFromQuery(r, h.defaultReturnTo)
	if err := h.manager.Logout(r.Context(), appState); err != nil {
		h.logger.Error("failed to start logout", "error", err)
		h.failUnlessNavigated(w, r)
	}
}

// Callback completes both the login and the logout round trip and sends the
// user agent to the returnTo location restored from the state parameter.
// Failed callbacks are redirected to the error page by the session.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	out, err := h.manager.HandleLocation(r.Context(), r.URL)
	if err != nil {
		if !errors.Is(err, session.ErrNotCallback) {
			h.logger.Warn("callback rejected", "path", r.URL.Path, "error", err)
		}
		h.failUnlessNavigated(w, r)
		return
	}

	h.logger.Info("callback completed", "kind", out.Kind, "return_to", out.AppState.ReturnTo)
	http.Redirect(w, r, safeReturnTo(out.AppState.ReturnTo, h.defaultReturnTo), http.StatusFound)
}

func (h *AuthHandler) failUnlessNavigated(w http.ResponseWriter, r *http.Request) {
	if navigator.Navigated(r.Context()) {
		return
	}
	http.Error(w, "Authentication failed", http.StatusBadGateway)
}

// appStateFromQuery builds the state to round trip from return_to plus any
// other single-valued query parameters.
func appStateFromQuery(r *http.Request, defaultReturnTo string) session.AppState {
	q := r.URL.Query()
	appState := session.AppState{ReturnTo: safeReturnTo(q.Get("return_to"), defaultReturnTo)}
	for key, values := range q {
		if key == "return_to" || len(values) != 1 {
			continue
		}
		if appState.Extra == nil {
			appState.Extra = map[string]string{}
		}
		appState.Extra[key] = values[0]
	}
	return appState
}

// safeReturnTo only accepts local absolute paths so a crafted state cannot
// send the user agent to another origin.
func safeReturnTo(returnTo, fallback string) string {
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.HasPrefix(returnTo, "/\\") {
		return fallback
	}
	return returnTo
}
