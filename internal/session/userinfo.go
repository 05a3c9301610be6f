package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marcogenualdo/sso-client/internal/metrics"
)

const maxUserInfoSize = 1 << 20

// UserInfo holds the attributes returned by the userinfo endpoint. Sub is
// always present; Claims carries every attribute as received, including
// provider-specific ones.
type UserInfo struct {
	Sub           string         `json:"sub"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	Name          string         `json:"name,omitempty"`
	Username      string         `json:"username,omitempty"`
	GivenName     string         `json:"given_name,omitempty"`
	FamilyName    string         `json:"family_name,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at,omitzero"`
	Claims        map[string]any `json:"claims,omitempty"`
}

// GetUserInfo returns the cached user attributes while they are fresh and
// otherwise fetches them with a bearer token from GetAccessToken. Fetch
// failures are returned to the caller and not retried.
func (m *Manager) GetUserInfo(ctx context.Context, appState AppState) (*UserInfo, error) {
	m.mu.RLock()
	cached := m.userInfo
	m.mu.RUnlock()
	if cached != nil && m.clock.Now().Before(cached.expiresAt) {
		return cached.info, nil
	}

	token, err := m.GetAccessToken(ctx, appState)
	if err != nil {
		return nil, err
	}

	info, err := m.fetchUserInfo(ctx, token)
	metrics.UserInfoFetches.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.userInfo = &cachedUserInfo{info: info, expiresAt: m.clock.Now().Add(m.cfg.UserInfoTTL)}
	m.mu.Unlock()
	return info, nil
}

func (m *Manager) fetchUserInfo(ctx context.Context, token string) (*UserInfo, error) {
	ep, err := m.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.userInfo, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %w", ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: userinfo endpoint returned %d", ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading userinfo response: %w", ErrTransport, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo response: %w", ErrTransport, err)
	}
	return newUserInfo(claims)
}

func newUserInfo(claims map[string]any) (*UserInfo, error) {
	sub := stringClaim(claims, "sub")
	if sub == "" {
		return nil, errors.New("userinfo response has no sub")
	}

	info := &UserInfo{
		Sub:           sub,
		Email:         stringClaim(claims, "email"),
		EmailVerified: boolClaim(claims, "email_verified"),
		Name:          stringClaim(claims, "name"),
		Username:      stringClaim(claims, "username"),
		GivenName:     stringClaim(claims, "given_name"),
		FamilyName:    stringClaim(claims, "family_name"),
		Claims:        claims,
	}
	if ts, ok := claims["updated_at"].(float64); ok {
		info.UpdatedAt = time.Unix(int64(ts), 0).UTC()
	}
	return info, nil
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// boolClaim accepts both JSON booleans and the string form some providers send.
func boolClaim(claims map[string]any, name string) bool {
	switch v := claims[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
