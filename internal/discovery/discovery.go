// Package discovery caches the identity provider's OpenID configuration and its
// published signing keys, and resolves a signing key by key id and algorithm
// with as few network calls as possible.
//
// Both documents are cached until Invalidate is called. When a Store is given
// they are written through to it and restored on construction, so a restarted
// client does not refetch them.
//
// Key resolution rules:
//
//   - an empty index is filled by fetching the key set;
//   - a (kid, alg) pair missing from the index causes exactly one forced
//     refetch, which tolerates key rotation at the provider;
//   - a pair still missing after that refetch fails with ErrKeyNotFound and
//     no further call is made.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/errgroup"

	"github.com/marcogenualdo/sso-client/internal/metrics"
	"github.com/marcogenualdo/sso-client/internal/storage"
)

var ErrKeyNotFound = errors.New("key not found")

const (
	configStorageKey = "wellKnown:openidConfiguration"
	jwksStorageKey   = "wellKnown:jwks"

	maxDocumentSize = 1 << 20
)

type Config struct {
	OpenIDConfigurationURL string
	JWKSURL                string
}

type Cache struct {
	cfg    Config
	client *http.Client
	store  storage.Store
	logger *slog.Logger

	mu     sync.RWMutex
	config *oidc.ProviderConfig
	keys   map[string][]jose.JSONWebKey
}

type Option func(*Cache)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		c.client = client
	}
}

func New(ctx context.Context, cfg Config, store storage.Store, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		store:  store,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.restore(ctx)
	return c
}

// GetOpenIDConfig returns the cached discovery document, fetching it on a miss.
func (c *Cache) GetOpenIDConfig(ctx context.Context) (*oidc.ProviderConfig, error) {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}

	raw, cfg, err := c.fetchConfig(ctx)
	if err != nil {
		return nil, err
	}
	c.setConfig(ctx, raw, cfg)
	return cfg, nil
}

// Issuer returns the issuer advertised by the discovery document.
func (c *Cache) Issuer(ctx context.Context) (string, error) {
	cfg, err := c.GetOpenIDConfig(ctx)
	if err != nil {
		return "", err
	}
	if cfg.IssuerURL == "" {
		return "", errors.New("discovery document has no issuer")
	}
	return cfg.IssuerURL, nil
}

// GetKey resolves the public key published under keyID for alg.
func (c *Cache) GetKey(ctx context.Context, keyID, alg string) (any, error) {
	if keyID == "" || alg == "" {
		return nil, fmt.Errorf("%w: token header is missing kid or alg", ErrKeyNotFound)
	}

	c.logger.Debug("resolving signing key", "kid", keyID, "alg", alg)

	c.mu.RLock()
	index := c.keys
	c.mu.RUnlock()

	if index == nil {
		fetched, err := c.refreshKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w for kid %q and alg %q: %w", ErrKeyNotFound, keyID, alg, err)
		}
		index = fetched
	}

	if key, ok := lookup(index, keyID, alg); ok {
		return key, nil
	}

	c.logger.Info("signing key not in cached key set, refetching", "kid", keyID, "alg", alg)
	index, err := c.refreshKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w for kid %q and alg %q: %w", ErrKeyNotFound, keyID, alg, err)
	}
	if key, ok := lookup(index, keyID, alg); ok {
		return key, nil
	}

	c.logger.Warn("signing key not found", "kid", keyID, "alg", alg)
	return nil, fmt.Errorf("%w for kid %q and alg %q", ErrKeyNotFound, keyID, alg)
}

// Prefetch loads the discovery document and the key set in one combined step.
func (c *Cache) Prefetch(ctx context.Context) error {
	var (
		rawConfig, rawKeys []byte
		cfg                *oidc.ProviderConfig
		index              map[string][]jose.JSONWebKey
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rawConfig, cfg, err = c.fetchConfig(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		rawKeys, index, err = c.fetchKeys(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to prefetch well-known documents: %w", err)
	}

	c.setConfig(ctx, rawConfig, cfg)
	c.setKeys(ctx, rawKeys, index)
	c.logger.Info("well-known documents fetched", "issuer", cfg.IssuerURL, "kids", len(index))
	return nil
}

// Invalidate drops both cached documents from memory and from the store.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.config = nil
	c.keys = nil
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return errors.Join(
		c.store.Remove(ctx, configStorageKey),
		c.store.Remove(ctx, jwksStorageKey),
	)
}

func (c *Cache) refreshKeys(ctx context.Context) (map[string][]jose.JSONWebKey, error) {
	raw, index, err := c.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	c.setKeys(ctx, raw, index)
	return index, nil
}

func (c *Cache) setConfig(ctx context.Context, raw []byte, cfg *oidc.ProviderConfig) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.persist(ctx, configStorageKey, raw)
}

func (c *Cache) setKeys(ctx context.Context, raw []byte, index map[string][]jose.JSONWebKey) {
	c.mu.Lock()
	c.keys = index
	c.mu.Unlock()
	c.persist(ctx, jwksStorageKey, raw)
}

func (c *Cache) persist(ctx context.Context, key string, raw []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, string(raw), 0); err != nil {
		c.logger.Warn("failed to persist well-known document", "key", key, "error", err)
	}
}

func (c *Cache) restore(ctx context.Context) {
	if c.store == nil {
		return
	}

	if raw, err := c.store.Get(ctx, configStorageKey); err == nil {
		var cfg oidc.ProviderConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			c.config = &cfg
		} else {
			c.logger.Warn("discarding persisted openid configuration", "error", err)
		}
	}

	if raw, err := c.store.Get(ctx, jwksStorageKey); err == nil {
		index, err := parseKeySet([]byte(raw), c.logger)
		if err == nil {
			c.keys = index
		} else {
			c.logger.Warn("discarding persisted key set", "error", err)
		}
	}
}

func (c *Cache) fetchConfig(ctx context.Context) ([]byte, *oidc.ProviderConfig, error) {
	raw, err := c.get(ctx, c.cfg.OpenIDConfigurationURL)
	metrics.DiscoveryFetches.WithLabelValues("openid-configuration", metrics.Result(err)).Inc()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch openid configuration: %w", err)
	}

	var cfg oidc.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode openid configuration: %w", err)
	}
	c.logger.Info("openid configuration loaded", "issuer", cfg.IssuerURL)
	return raw, &cfg, nil
}

func (c *Cache) fetchKeys(ctx context.Context) ([]byte, map[string][]jose.JSONWebKey, error) {
	raw, err := c.get(ctx, c.cfg.JWKSURL)
	metrics.DiscoveryFetches.WithLabelValues("jwks", metrics.Result(err)).Inc()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch key set: %w", err)
	}

	index, err := parseKeySet(raw, c.logger)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Info("key set refreshed", "kids", len(index))
	return raw, index, nil
}

func (c *Cache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return body, nil
}
