package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/marcogenualdo/sso-client/internal/metrics"
	"github.com/marcogenualdo/sso-client/internal/storage"
)

// GetAccessToken returns a usable access token. An expired or missing token is
// refreshed with the stored refresh token; concurrent callers share a single
// refresh call. When no refresh token is stored or the refresh fails, a login
// redirect is issued and ("", ErrLoginRedirect) is returned. Callers falling
// back to login together share one pending authorization request.
func (m *Manager) GetAccessToken(ctx context.Context, appState AppState) (string, error) {
	if value, ok := m.currentToken(); ok {
		return value, nil
	}

	v, err, shared := m.flights.Do(refreshFlight, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err == nil {
		if shared {
			m.logger.Debug("joined in-flight token refresh")
		}
		return v.(string), nil
	}

	m.logger.Info("access token unavailable, starting login", "reason", err)
	if loginErr := m.login(ctx, appState, true); loginErr != nil {
		return "", fmt.Errorf("failed to start login: %w", loginErr)
	}
	return "", ErrLoginRedirect
}

// currentToken returns the held access token unless it has expired. A token
// whose expiry equals the current instant is already expired.
func (m *Manager) currentToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return "", false
	}
	if !m.token.expiresAt.IsZero() && !m.clock.Now().Before(m.token.expiresAt) {
		return "", false
	}
	return m.token.value, true
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	// a flight that finished just before this one may have stored a fresh token
	if value, ok := m.currentToken(); ok {
		return value, nil
	}

	refreshToken, err := m.store.Get(ctx, refreshTokenKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errNoRefreshToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}

	ep, err := m.endpoints(ctx)
	if err != nil {
		return "", err
	}

	m.logger.Debug("refreshing access token")
	tok, err := m.oauth2Config(ep).TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	metrics.TokenRefreshes.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		if clearErr := m.clearLocal(ctx, StateUnauthenticated); clearErr != nil {
			m.logger.Warn("failed to clear rejected session", "error", clearErr)
		}
		return "", fmt.Errorf("%w: refresh failed: %w", ErrTransport, err)
	}

	if err := m.storeToken(ctx, tok, refreshToken); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// storeToken keeps the access token in memory and persists the refresh token
// when the provider issued one that differs from previous.
func (m *Manager) storeToken(ctx context.Context, tok *oauth2.Token, previous string) error {
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: token response has no access_token", ErrTransport)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != previous {
		if err := m.store.Set(ctx, refreshTokenKey, tok.RefreshToken, 0); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}

	m.mu.Lock()
	m.token = &accessToken{value: tok.AccessToken, expiresAt: m.expiresAt(tok)}
	m.state = StateAuthenticated
	m.mu.Unlock()
	return nil
}

// expiresAt anchors the token lifetime to the Manager's clock using the
// expires_in field of the response.
func (m *Manager) expiresAt(tok *oauth2.Token) time.Time {
	now := m.clock.Now()
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return now.Add(time.Duration(v) * time.Second)
		}
	case string:
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return now.Add(time.Duration(seconds) * time.Second)
		}
	}
	if !tok.Expiry.IsZero() {
		return now.Add(time.Until(tok.Expiry).Round(time.Second))
	}
	return time.Time{}
}
