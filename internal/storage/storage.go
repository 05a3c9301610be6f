// Package storage holds the durable key/value store that survives a restart of
// the client: the refresh token, the pending redirect nonces and the cached
// discovery documents live here.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/marcogenualdo/sso-client/internal/config"
)

var ErrNotFound = errors.New("key not found")

// Store is a string-valued key/value store. A ttl of zero means the value
// never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Close() error
}

func New(cfg config.StorageConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Type {
	case "memory":
		store = NewMemoryStore()
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis config is required for redis storage type")
		}
		store, err = NewRedisStore(*cfg.Redis)
	case "file":
		if cfg.File == nil {
			return nil, errors.New("file config is required for file storage type")
		}
		store, err = NewFileStore(cfg.File.Path)
	case "keyring":
		if cfg.Keyring == nil {
			return nil, errors.New("keyring config is required for keyring storage type")
		}
		store = NewKeyringStore(cfg.Keyring.Service)
	default:
		return nil, errors.New("unsupported storage type: " + cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Namespace != "" {
		store = WithNamespace(store, cfg.Namespace)
	}
	return store, nil
}

type namespaced struct {
	Store
	prefix string
}

// WithNamespace prefixes every key with ns and a colon, so several clients can
// share one backend.
func WithNamespace(store Store, ns string) Store {
	return &namespaced{Store: store, prefix: ns + ":"}
}

func (n *namespaced) Get(ctx context.Context, key string) (string, error) {
	return n.Store.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.Store.Set(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Remove(ctx context.Context, key string) error {
	return n.Store.Remove(ctx, n.prefix+key)
}
