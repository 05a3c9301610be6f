package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/sso-client/internal/config"
	"github.com/marcogenualdo/sso-client/internal/idptest"
	"github.com/marcogenualdo/sso-client/internal/middleware"
	"github.com/marcogenualdo/sso-client/internal/navigator"
	"github.com/marcogenualdo/sso-client/internal/session"
	"github.com/marcogenualdo/sso-client/internal/storage"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newManager(t *testing.T) (*session.Manager, *idptest.Provider) {
	t.Helper()
	idp := idptest.New(t)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  base_url: http://app.example.com
provider:
  domain_url: %[1]s
  issuer_url: %[1]s
  client_id: client-1
  verify_id_token: false
`, idp.URL)))
	require.NoError(t, err)

	manager, err := session.NewManager(session.ConfigFrom(cfg), session.Deps{
		Store:     storage.NewMemoryStore(),
		Navigator: navigator.NewHTTP(nil, discardLogger),
		Logger:    discardLogger,
	})
	require.NoError(t, err)
	return manager, idp
}

func serve(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	middleware.BindNavigator(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestSafeReturnTo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "/dashboard", want: "/dashboard"},
		{in: "/a/b?c=d", want: "/a/b?c=d"},
		{in: "", want: "/home"},
		{in: "dashboard", want: "/home"},
		{in: "//evil.example.com", want: "/home"},
		{in: "/\\evil.example.com", want: "/home"},
		{in: "https://evil.example.com/", want: "/home"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, safeReturnTo(tt.in, "/home"))
		})
	}
}

func TestAppStateFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth/login?return_to=/reports&tab=2&multi=a&multi=b", nil)

	appState := appStateFromQuery(r, "/")
	assert.Equal(t, "/reports", appState.ReturnTo)
	assert.Equal(t, map[string]string{"tab": "2"}, appState.Extra)

	r = httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	appState = appStateFromQuery(r, "/")
	assert.Equal(t, "/", appState.ReturnTo)
	assert.Nil(t, appState.Extra)
}

func TestLoginRedirectsToProvider(t *testing.T) {
	manager, idp := newManager(t)
	h := NewAuthHandler(manager, "/", discardLogger)

	rec := serve(h.Login, "/auth/login?return_to=/reports")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, idp.URL+idptest.LoginPath, loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "http://app.example.com/callback", loc.Query().Get("redirect_uri"))
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, session.StateAuthenticatingRedirect, manager.State())
}

func TestCallbackWithoutLoginRedirectsToErrorPage(t *testing.T) {
	manager, _ := newManager(t)
	h := NewAuthHandler(manager, "/", discardLogger)

	rec := serve(h.Callback, "/callback?code=abc&state=xyz")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://app.example.com/error", rec.Header().Get("Location"))
	assert.False(t, manager.IsAuthenticated())
}

func TestCallbackOnOtherPathFails(t *testing.T) {
	manager, _ := newManager(t)
	h := NewAuthHandler(manager, "/", discardLogger)

	rec := serve(h.Callback, "/elsewhere")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestTokenReportsLoginURL(t *testing.T) {
	manager, idp := newManager(t)
	h := NewAPIHandler(manager, "/", discardLogger)

	rec := serve(h.Token, "/api/token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "login_required", body.Error)
	assert.True(t, strings.HasPrefix(body.LoginURL, idp.URL+idptest.LoginPath))
}

func TestUserInfoReportsLoginURL(t *testing.T) {
	manager, _ := newManager(t)
	h := NewAPIHandler(manager, "/", discardLogger)

	rec := serve(h.UserInfo, "/api/userinfo")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSessionStatus(t *testing.T) {
	manager, _ := newManager(t)
	h := NewAPIHandler(manager, "/", discardLogger)

	rec := serve(h.Session, "/api/session")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Authenticated)
	assert.Equal(t, "unauthenticated", body.State)
}

func TestErrorPage(t *testing.T) {
	page, err := NewErrorPage("/auth/login", discardLogger)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	page.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/error", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `href="/auth/login"`)
	assert.Contains(t, rec.Body.String(), "Sign-in failed")
}

type countingStore struct {
	storage.Store
	writes int
}

func (s *countingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.writes++
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *countingStore) Remove(ctx context.Context, key string) error {
	s.writes++
	return s.Store.Remove(ctx, key)
}

func TestHealthStorageCheck(t *testing.T) {
	tests := []struct {
		storageType string
		wantWrites  int
	}{
		{storageType: "memory", wantWrites: 2},
		{storageType: "redis", wantWrites: 2},
		{storageType: "file", wantWrites: 0},
		{storageType: "keyring", wantWrites: 0},
	}

	for _, tt := range tests {
		t.Run(tt.storageType, func(t *testing.T) {
			store := &countingStore{Store: storage.NewMemoryStore()}
			h := NewHealthHandler(tt.storageType, store, nil, "", discardLogger)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			var body HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "connected", body.Storage.Status)
			assert.Equal(t, tt.wantWrites, store.writes)
		})
	}
}

func TestHealthFileStorageIsNotWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := storage.NewFileStore(path)
	require.NoError(t, err)
	h := NewHealthHandler("file", store, nil, "", discardLogger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoFileExists(t, path)
}
