package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/sso-client/internal/navigator"
	"github.com/marcogenualdo/sso-client/internal/session"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTokens struct {
	token    string
	err      error
	nav      navigator.Navigator
	appState session.AppState
}

func (f *fakeTokens) GetAccessToken(ctx context.Context, appState session.AppState) (string, error) {
	f.appState = appState
	if errors.Is(f.err, session.ErrLoginRedirect) && f.nav != nil {
		if err := f.nav.Navigate(ctx, "https://idp.example.com/login"); err != nil {
			return "", err
		}
	}
	return f.token, f.err
}

func TestRequireToken(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AccessToken(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("token available", func(t *testing.T) {
		tokens := &fakeTokens{token: "AT1"}
		rec := httptest.NewRecorder()
		RequireToken(tokens, discard())(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports?page=2", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "AT1", seen)
		assert.Equal(t, "/reports?page=2", tokens.appState.ReturnTo)
	})

	t.Run("login redirect", func(t *testing.T) {
		tokens := &fakeTokens{err: session.ErrLoginRedirect, nav: navigator.NewHTTP(nil, discard())}
		rec := httptest.NewRecorder()
		handler := BindNavigator(RequireToken(tokens, discard())(next))
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://idp.example.com/login", rec.Header().Get("Location"))
	})

	t.Run("login redirect without navigation", func(t *testing.T) {
		tokens := &fakeTokens{err: session.ErrLoginRedirect}
		rec := httptest.NewRecorder()
		RequireToken(tokens, discard())(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("other failure", func(t *testing.T) {
		tokens := &fakeTokens{err: errors.New("store unavailable")}
		rec := httptest.NewRecorder()
		RequireToken(tokens, discard())(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestLogging_AssignsRequestID(t *testing.T) {
	var id string
	handler := Logging(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, id)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", id)
}

func TestRecovery(t *testing.T) {
	handler := Recovery(discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/token", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", rec.Body.String())
}
