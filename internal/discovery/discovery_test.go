package discovery

import (
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/sso-client/internal/idptest"
	"github.com/marcogenualdo/sso-client/internal/storage"
)

func newCache(t *testing.T, idp *idptest.Provider, store storage.Store) *Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(context.Background(), Config{
		OpenIDConfigurationURL: idp.URL + idptest.ConfigPath,
		JWKSURL:                idp.URL + idptest.JWKSPath,
	}, store, logger)
}

func TestGetKey_ResolvesFromFirstFetch(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)
	ctx := context.Background()

	key, err := cache.GetKey(ctx, idptest.DefaultKeyID, "RS256")
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, key)
	assert.Equal(t, 1, idp.Calls(idptest.JWKSPath))

	// cached: no further network call
	_, err = cache.GetKey(ctx, idptest.DefaultKeyID, "RS256")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Calls(idptest.JWKSPath))
}

func TestGetKey_RefetchesOnceForRotatedKey(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)
	ctx := context.Background()

	_, err := cache.GetKey(ctx, idptest.DefaultKeyID, "RS256")
	require.NoError(t, err)
	require.Equal(t, 1, idp.Calls(idptest.JWKSPath))

	idp.AddKey(t, "rotated", true)

	key, err := cache.GetKey(ctx, "rotated", "RS256")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, 2, idp.Calls(idptest.JWKSPath), "exactly one extra call")
}

func TestGetKey_FailsAfterSingleRefetch(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)
	ctx := context.Background()

	_, err := cache.GetKey(ctx, idptest.DefaultKeyID, "RS256")
	require.NoError(t, err)

	_, err = cache.GetKey(ctx, "unknown", "RS256")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 2, idp.Calls(idptest.JWKSPath), "no third call")
}

func TestGetKey_AlgorithmMustMatch(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)

	_, err := cache.GetKey(context.Background(), idptest.DefaultKeyID, "ES256")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetKey_MissingHeaderFields(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)

	_, err := cache.GetKey(context.Background(), "", "RS256")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 0, idp.Calls(idptest.JWKSPath))
}

func TestGetKey_KeySetUnavailable(t *testing.T) {
	idp := idptest.New(t)
	idp.Update(func(s *idptest.Settings) { s.JWKSStatus = http.StatusServiceUnavailable })
	cache := newCache(t, idp, nil)

	_, err := cache.GetKey(context.Background(), idptest.DefaultKeyID, "RS256")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, idp.Calls(idptest.JWKSPath))
}

func TestGetOpenIDConfig_CachedIndefinitely(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)
	ctx := context.Background()

	cfg, err := cache.GetOpenIDConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, idp.URL, cfg.IssuerURL)
	assert.Equal(t, idp.URL+idptest.TokenPath, cfg.TokenURL)

	issuer, err := cache.Issuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, idp.URL, issuer)
	assert.Equal(t, 1, idp.Calls(idptest.ConfigPath))

	require.NoError(t, cache.Invalidate(ctx))
	_, err = cache.GetOpenIDConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, idp.Calls(idptest.ConfigPath))
}

func TestPrefetch(t *testing.T) {
	idp := idptest.New(t)
	cache := newCache(t, idp, nil)
	ctx := context.Background()

	require.NoError(t, cache.Prefetch(ctx))
	assert.Equal(t, 1, idp.Calls(idptest.ConfigPath))
	assert.Equal(t, 1, idp.Calls(idptest.JWKSPath))

	_, err := cache.GetKey(ctx, idptest.DefaultKeyID, "RS256")
	require.NoError(t, err)
	_, err = cache.GetOpenIDConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Calls(idptest.ConfigPath))
	assert.Equal(t, 1, idp.Calls(idptest.JWKSPath))
}

func TestPersistedStateIsRestored(t *testing.T) {
	idp := idptest.New(t)
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	first := newCache(t, idp, store)
	require.NoError(t, first.Prefetch(ctx))

	second := newCache(t, idp, store)
	_, err := second.GetKey(ctx, idptest.DefaultKeyID, "RS256")
	require.NoError(t, err)
	_, err = second.GetOpenIDConfig(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, idp.Calls(idptest.ConfigPath))
	assert.Equal(t, 1, idp.Calls(idptest.JWKSPath))
}

func TestParseKeySet_SkipsBadKeys(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	raw := []byte(`{"keys":[{"kty":"RSA","kid":"a","alg":"RS256","n":"!!","e":"AQAB"},{"kty":"oct","alg":"HS256","k":"c2VjcmV0"}]}`)

	index, err := parseKeySet(raw, logger)
	require.NoError(t, err)
	assert.Empty(t, index)

	_, err = parseKeySet([]byte("not json"), logger)
	require.Error(t, err)
}
