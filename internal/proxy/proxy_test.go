package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/sso-client/internal/config"
	"github.com/marcogenualdo/sso-client/internal/middleware"
	"github.com/marcogenualdo/sso-client/internal/session"
)

type staticTokens string

func (s staticTokens) GetAccessToken(context.Context, session.AppState) (string, error) {
	return string(s), nil
}

type staticUsers struct {
	info *session.UserInfo
	err  error
}

func (s staticUsers) GetUserInfo(context.Context, session.AppState) (*session.UserInfo, error) {
	return s.info, s.err
}

func TestInjectHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Email", "spoofed@example.com")
	req.Header.Set("X-User-Groups", "admins")

	info := &session.UserInfo{Sub: "abc", Claims: map[string]any{
		"sub":    "abc",
		"email":  "john@example.com",
		"groups": []any{"dev", "ops"},
	}}
	InjectHeaders(req, "AT1", info, map[string]string{
		"sub":    "X-User-Sub",
		"email":  "X-User-Email",
		"groups": "X-User-Groups",
		"phone":  "X-User-Phone",
	})

	assert.Equal(t, "Bearer AT1", req.Header.Get("Authorization"))
	assert.Equal(t, "abc", req.Header.Get("X-User-Sub"))
	assert.Equal(t, "john@example.com", req.Header.Get("X-User-Email"))
	assert.Equal(t, "dev,ops", req.Header.Get("X-User-Groups"))
	assert.Empty(t, req.Header.Get("X-User-Phone"))
}

func TestInjectHeaders_WithoutUserInfo(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Sub", "spoofed")

	InjectHeaders(req, "AT1", nil, map[string]string{"sub": "X-User-Sub"})
	assert.Equal(t, "Bearer AT1", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("X-User-Sub"))
}

func TestReverseProxy(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(backend.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := staticUsers{info: &session.UserInfo{Sub: "abc", Claims: map[string]any{"sub": "abc"}}}
	rp, err := NewReverseProxy(config.BackendConfig{
		URL:            backend.URL,
		Timeout:        5 * time.Second,
		HeaderMappings: map[string]string{"sub": "X-User-Sub"},
	}, users, logger)
	require.NoError(t, err)

	handler := middleware.RequireToken(staticTokens("AT1"), logger)(rp)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "Bearer AT1", got.Get("Authorization"))
	assert.Equal(t, "abc", got.Get("X-User-Sub"))
}

func TestReverseProxy_UserInfoFailureStillForwards(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer AT1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rp, err := NewReverseProxy(config.BackendConfig{
		URL:            backend.URL,
		HeaderMappings: map[string]string{"sub": "X-User-Sub"},
	}, staticUsers{err: errors.New("userinfo down")}, logger)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	middleware.RequireToken(staticTokens("AT1"), logger)(rp).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReverseProxy_RequiresToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rp, err := NewReverseProxy(config.BackendConfig{URL: "http://127.0.0.1:1"}, staticUsers{}, logger)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
