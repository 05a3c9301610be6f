package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcogenualdo/sso-client/internal/navigator"
	"github.com/marcogenualdo/sso-client/internal/session"
)

// APIHandler exposes the session to scripts running in the page. A missing
// session is reported as 401 with the login URL instead of a redirect.
type APIHandler struct {
	manager         *session.Manager
	defaultReturnTo string
	logger          *slog.Logger
}

func NewAPIHandler(manager *session.Manager, defaultReturnTo string, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		manager:         manager,
		defaultReturnTo: defaultReturnTo,
		logger:          logger,
	}
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type SessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
}

type ErrorResponse struct {
	Error    string `json:"error"`
	LoginURL string `json:"login_url,omitempty"`
}

func (h *APIHandler) Token(w http.ResponseWriter, r *http.Request) {
	ctx, recorder := navigator.WithRecorder(r.Context())
	token, err := h.manager.GetAccessToken(ctx, appStateFromQuery(r, h.defaultReturnTo))
	if err != nil {
		h.writeError(w, err, recorder)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "Bearer"})
}

func (h *APIHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	ctx, recorder := navigator.WithRecorder(r.Context())
	info, err := h.manager.GetUserInfo(ctx, appStateFromQuery(r, h.defaultReturnTo))
	if err != nil {
		h.writeError(w, err, recorder)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *APIHandler) Session(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SessionResponse{
		Authenticated: h.manager.IsAuthenticated(),
		State:         h.manager.State().String(),
	})
}

func (h *APIHandler) writeError(w http.ResponseWriter, err error, recorder *navigator.Recorder) {
	if errors.Is(err, session.ErrLoginRedirect) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "login_required", LoginURL: recorder.Target()})
		return
	}
	h.logger.Error("session request failed", "error", err)
	writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "provider_unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
