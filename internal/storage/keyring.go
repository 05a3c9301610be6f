package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

// KeyringStore keeps entries in the operating system keychain, one secret per
// key under a single service name. Expiry is carried inside the secret.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (ks *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	raw, err := keyring.Get(ks.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("keyring get %s: %w", key, err)
	}

	var item entry
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return "", fmt.Errorf("failed to decode keyring entry %s: %w", key, err)
	}
	if item.expired(time.Now()) {
		_ = keyring.Delete(ks.service, key)
		return "", ErrNotFound
	}
	return item.Value, nil
}

func (ks *KeyringStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	data, err := json.Marshal(newEntry(value, ttl))
	if err != nil {
		return fmt.Errorf("failed to encode keyring entry %s: %w", key, err)
	}
	if err := keyring.Set(ks.service, key, string(data)); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (ks *KeyringStore) Remove(ctx context.Context, key string) error {
	if err := keyring.Delete(ks.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

func (ks *KeyringStore) Close() error {
	return nil
}
