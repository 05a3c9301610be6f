package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/marcogenualdo/sso-client/internal/metrics"
	"github.com/marcogenualdo/sso-client/internal/storage"
	"github.com/marcogenualdo/sso-client/internal/verifier"
)

type CallbackKind string

const (
	LoginCallback  CallbackKind = "login"
	LogoutCallback CallbackKind = "logout"
)

// Outcome describes a completed callback.
type Outcome struct {
	Kind     CallbackKind
	AppState AppState
}

// Login discards the current session and redirects to the provider's
// authorization endpoint. Fresh nonces are stored before navigating.
func (m *Manager) Login(ctx context.Context, appState AppState) error {
	return m.login(ctx, appState, false)
}

// pendingLogin holds the single-use values of an authorization request that
// is waiting for its callback.
type pendingLogin struct {
	stateNonce   string
	tokenNonce   string
	codeVerifier string
}

// login redirects to the authorization endpoint. With reusePending set, an
// authorization request still waiting for its callback keeps its nonces, so
// every caller falling back to login hands out a URL that can complete.
func (m *Manager) login(ctx context.Context, appState AppState, reusePending bool) error {
	appState = m.withDefaults(appState)

	if err := m.clearLocal(ctx, StateUnauthenticated); err != nil {
		return err
	}

	ep, err := m.endpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve provider endpoints: %w", err)
	}

	var pending *pendingLogin
	if reusePending {
		v, err, _ := m.flights.Do(loginFlight, func() (any, error) {
			return m.currentOrNewPendingLogin(context.WithoutCancel(ctx))
		})
		if err != nil {
			return err
		}
		pending = v.(*pendingLogin)
	} else if pending, err = m.newPendingLogin(ctx); err != nil {
		return err
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", pending.tokenNonce)}
	if pending.codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(pending.codeVerifier))
	}

	state, err := encodeState(appState, pending.stateNonce)
	if err != nil {
		return err
	}
	authURL := m.oauth2Config(ep).AuthCodeURL(state, opts...)

	m.setState(StateAuthenticatingRedirect)
	metrics.LoginRedirects.Inc()
	m.logger.Info("redirecting to provider login", "redirect_uri", m.redirectURI(), "return_to", appState.ReturnTo)

	return m.navigator.Navigate(ctx, authURL)
}

func (m *Manager) newPendingLogin(ctx context.Context) (*pendingLogin, error) {
	pending := &pendingLogin{
		stateNonce: uuid.NewString(),
		tokenNonce: uuid.NewString(),
	}
	if err := m.store.Set(ctx, stateNonceKey, pending.stateNonce, m.cfg.NonceTTL); err != nil {
		return nil, fmt.Errorf("failed to store state nonce: %w", err)
	}
	if err := m.store.Set(ctx, tokenNonceKey, pending.tokenNonce, m.cfg.NonceTTL); err != nil {
		return nil, fmt.Errorf("failed to store token nonce: %w", err)
	}
	if m.cfg.PKCE {
		pending.codeVerifier = oauth2.GenerateVerifier()
		if err := m.store.Set(ctx, codeVerifierKey, pending.codeVerifier, m.cfg.NonceTTL); err != nil {
			return nil, fmt.Errorf("failed to store code verifier: %w", err)
		}
	}
	return pending, nil
}

// currentOrNewPendingLogin returns the stored pending login when all of its
// values are still present and starts a new one otherwise.
func (m *Manager) currentOrNewPendingLogin(ctx context.Context) (*pendingLogin, error) {
	pending := &pendingLogin{}
	var err error
	if pending.stateNonce, err = m.store.Get(ctx, stateNonceKey); err == nil {
		pending.tokenNonce, err = m.store.Get(ctx, tokenNonceKey)
	}
	if err == nil && m.cfg.PKCE {
		pending.codeVerifier, err = m.store.Get(ctx, codeVerifierKey)
	}

	switch {
	case err == nil:
		m.logger.Debug("reusing pending authorization request")
		return pending, nil
	case errors.Is(err, storage.ErrNotFound):
		return m.newPendingLogin(ctx)
	default:
		return nil, fmt.Errorf("failed to read pending login: %w", err)
	}
}

// Logout ends the local session and redirects to the provider's logout
// endpoint, which sends the user agent back to the logout callback path.
func (m *Manager) Logout(ctx context.Context, appState AppState) error {
	appState = m.withDefaults(appState)

	if err := m.clearLocal(ctx, StateUnauthenticated); err != nil {
		return err
	}

	ep, err := m.endpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve provider endpoints: %w", err)
	}

	stateNonce := uuid.NewString()
	if err := m.store.Set(ctx, stateNonceKey, stateNonce, m.cfg.NonceTTL); err != nil {
		return fmt.Errorf("failed to store state nonce: %w", err)
	}

	state, err := encodeState(appState, stateNonce)
	if err != nil {
		return err
	}

	logoutURL, err := url.Parse(ep.logout)
	if err != nil {
		return fmt.Errorf("invalid logout endpoint: %w", err)
	}
	q := logoutURL.Query()
	q.Set("client_id", m.cfg.ClientID)
	q.Set("logout_uri", m.logoutRedirectURI())
	q.Set("state", state)
	logoutURL.RawQuery = q.Encode()

	m.setState(StateLoggingOutRedirect)
	metrics.LogoutRedirects.Inc()
	m.logger.Info("redirecting to provider logout", "logout_uri", m.logoutRedirectURI())

	return m.navigator.Navigate(ctx, logoutURL.String())
}

// Resume completes a redirect round trip when location is one of the callback
// paths. Any other location yields ErrNotCallback and changes nothing.
func (m *Manager) Resume(ctx context.Context, location *url.URL) (*Outcome, error) {
	switch location.Path {
	case m.cfg.CallbackPath:
		out, err := m.completeLogin(ctx, location.Query())
		metrics.Callbacks.WithLabelValues(string(LoginCallback), callbackResult(err)).Inc()
		return out, err
	case m.cfg.LogoutCallbackPath:
		out, err := m.completeLogout(ctx, location.Query())
		metrics.Callbacks.WithLabelValues(string(LogoutCallback), callbackResult(err)).Inc()
		return out, err
	default:
		return nil, ErrNotCallback
	}
}

// HandleLocation runs Resume and, when the callback fails, redirects to the
// error path. It is the only place the flow navigates on failure.
func (m *Manager) HandleLocation(ctx context.Context, location *url.URL) (*Outcome, error) {
	out, err := m.Resume(ctx, location)
	if err == nil || errors.Is(err, ErrNotCallback) {
		return out, err
	}

	m.logger.Error("callback failed", "path", location.Path, "error", err)
	if navErr := m.navigator.Navigate(ctx, m.ErrorURL()); navErr != nil {
		return nil, errors.Join(err, fmt.Errorf("failed to navigate to error page: %w", navErr))
	}
	return nil, err
}

func (m *Manager) completeLogin(ctx context.Context, query url.Values) (*Outcome, error) {
	m.setState(StateValidatingCallback)

	out, err := m.exchange(ctx, query)
	if err != nil {
		m.setState(StateUnauthenticated)
		return nil, err
	}

	m.logger.Info("login completed", "return_to", out.AppState.ReturnTo)
	if m.onRedirect != nil {
		m.onRedirect(ctx, out.AppState)
	}
	return out, nil
}

func (m *Manager) exchange(ctx context.Context, query url.Values) (*Outcome, error) {
	appState, err := m.consumeState(ctx, query.Get("state"))
	if err != nil {
		return nil, err
	}

	if providerErr := query.Get("error"); providerErr != "" {
		return nil, fmt.Errorf("%w: provider returned %s: %s", ErrIntegrity, providerErr, query.Get("error_description"))
	}
	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code parameter", ErrIntegrity)
	}

	tokenNonce := m.take(ctx, tokenNonceKey)
	var opts []oauth2.AuthCodeOption
	if m.cfg.PKCE {
		opts = append(opts, oauth2.VerifierOption(m.take(ctx, codeVerifierKey)))
	}

	ep, err := m.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := m.oauth2Config(ep).Exchange(m.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %w", ErrTransport, err)
	}

	if m.verifier != nil {
		if rawIDToken, _ := tok.Extra("id_token").(string); rawIDToken != "" {
			idToken, err := m.verifier.Verify(ctx, rawIDToken, tokenNonce)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
			}
			m.logger.Debug("identity token verified", "sub", idToken.Subject)
		}
	}

	if err := m.storeToken(ctx, tok, ""); err != nil {
		return nil, err
	}
	return &Outcome{Kind: LoginCallback, AppState: appState}, nil
}

func (m *Manager) completeLogout(ctx context.Context, query url.Values) (*Outcome, error) {
	appState, err := m.consumeState(ctx, query.Get("state"))
	if err != nil {
		return nil, err
	}

	if err := m.clearLocal(ctx, StateUnauthenticated); err != nil {
		return nil, err
	}

	m.logger.Info("logout completed", "return_to", appState.ReturnTo)
	if m.onRedirect != nil {
		m.onRedirect(ctx, appState)
	}
	return &Outcome{Kind: LogoutCallback, AppState: appState}, nil
}

// consumeState checks the state parameter against the stored state nonce and
// deletes the nonce once it matched. It runs before anything else in the
// callback is trusted.
func (m *Manager) consumeState(ctx context.Context, encoded string) (AppState, error) {
	stored, err := m.store.Get(ctx, stateNonceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return AppState{}, fmt.Errorf("%w: no state nonce stored", ErrIntegrity)
	}
	if err != nil {
		return AppState{}, fmt.Errorf("failed to read state nonce: %w", err)
	}

	if encoded == "" {
		return AppState{}, fmt.Errorf("%w: missing state parameter", ErrIntegrity)
	}

	appState, nonce, err := decodeState(encoded)
	if err != nil {
		return AppState{}, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(stored)) != 1 {
		return AppState{}, fmt.Errorf("%w: state nonce mismatch", ErrIntegrity)
	}

	if err := m.store.Remove(ctx, stateNonceKey); err != nil {
		m.logger.Warn("failed to remove state nonce", "error", err)
	}
	return appState, nil
}

// take reads and deletes a single-use value, returning "" when absent.
func (m *Manager) take(ctx context.Context, key string) string {
	value, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("failed to read stored value", "key", key, "error", err)
		}
		return ""
	}
	if err := m.store.Remove(ctx, key); err != nil {
		m.logger.Warn("failed to remove stored value", "key", key, "error", err)
	}
	return value
}

func callbackResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, verifier.ErrVerification):
		return "verification_failure"
	case errors.Is(err, ErrIntegrity):
		return "integrity_failure"
	case errors.Is(err, ErrTransport):
		return "transport_failure"
	default:
		return "failure"
	}
}
