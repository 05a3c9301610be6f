package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/marcogenualdo/sso-client/internal/config"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	store, err := NewRedisStore(config.RedisConfig{Address: mini.Addr(), PoolSize: 2, MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mini
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s := NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			s, _ := newMiniredisStore(t)
			return s
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "store.json"))
			require.NoError(t, err)
			return s
		},
		"keyring": func(t *testing.T) Store {
			keyring.MockInit()
			return NewKeyringStore("sso-client-test")
		},
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			_, err := store.Get(ctx, "refreshToken")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "refreshToken", "RT1", 0))
			got, err := store.Get(ctx, "refreshToken")
			require.NoError(t, err)
			assert.Equal(t, "RT1", got)

			require.NoError(t, store.Set(ctx, "refreshToken", "RT2", 0))
			got, err = store.Get(ctx, "refreshToken")
			require.NoError(t, err)
			assert.Equal(t, "RT2", got)

			require.NoError(t, store.Remove(ctx, "refreshToken"))
			_, err = store.Get(ctx, "refreshToken")
			assert.ErrorIs(t, err, ErrNotFound)

			// removing a missing key is not an error
			require.NoError(t, store.Remove(ctx, "refreshToken"))
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Set(ctx, "authNonce", "n1", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := store.Get(ctx, "authNonce")
	assert.ErrorIs(t, err, ErrNotFound)

	store.cleanup()
	assert.Empty(t, store.data)
}

func TestRedisStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, mini := newMiniredisStore(t)

	require.NoError(t, store.Set(ctx, "authNonce", "n1", time.Minute))
	mini.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "authNonce")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "refreshToken", "RT1", 0))

	second, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := second.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.Equal(t, "RT1", got)
}

func TestWithNamespace(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	defer base.Close()

	a := WithNamespace(base, "a")
	b := WithNamespace(base, "b")

	require.NoError(t, a.Set(ctx, "refreshToken", "A", 0))
	require.NoError(t, b.Set(ctx, "refreshToken", "B", 0))

	got, err := a.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.Equal(t, "A", got)

	raw, err := base.Get(ctx, "b:refreshToken")
	require.NoError(t, err)
	assert.Equal(t, "B", raw)
}

func TestNew(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, err := New(config.StorageConfig{Type: "memory"})
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &MemoryStore{}, store)
	})

	t.Run("namespaced file", func(t *testing.T) {
		store, err := New(config.StorageConfig{
			Type:      "file",
			Namespace: "app",
			File:      &config.FileConfig{Path: filepath.Join(t.TempDir(), "s.json")},
		})
		require.NoError(t, err)
		assert.IsType(t, &namespaced{}, store)
	})

	t.Run("redis without config", func(t *testing.T) {
		_, err := New(config.StorageConfig{Type: "redis"})
		require.Error(t, err)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := New(config.StorageConfig{Type: "etcd"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported storage type")
	})
}
