// Package session drives the OAuth2 authorization code flow for a single user
// agent. A Manager owns the in-memory access token and the cached user
// attributes, persists the refresh token and the pending nonces in a Store, and
// hands every redirect to a Navigator.
//
// A redirect ends the current logical task: callers must not expect control
// to come back after Login or Logout returns. The flow resumes when the user
// agent lands on one of the callback paths and Resume (or HandleLocation) is
// called with that location.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/marcogenualdo/sso-client/internal/config"
	"github.com/marcogenualdo/sso-client/internal/storage"
	"github.com/marcogenualdo/sso-client/internal/verifier"
)

var (
	// ErrIntegrity marks a callback that cannot be trusted: a missing or
	// mismatched nonce, missing query parameters or an identity token that
	// failed verification.
	ErrIntegrity = errors.New("protocol integrity failure")
	// ErrTransport marks a failed or non-2xx call to a provider endpoint.
	ErrTransport = errors.New("provider request failed")
	// ErrLoginRedirect is returned when no usable access token exists and a
	// login redirect has been issued instead.
	ErrLoginRedirect = errors.New("login redirect issued")
	// ErrNotCallback is returned by Resume for locations that are not one of
	// the callback paths.
	ErrNotCallback = errors.New("location is not a callback path")

	errNoRefreshToken = errors.New("no refresh token stored")
)

const (
	refreshTokenKey = "refreshToken"
	stateNonceKey   = "authNonce"
	tokenNonceKey   = "tokenNonce"
	codeVerifierKey = "codeVerifier"

	refreshFlight = "refresh"
	loginFlight   = "login"
)

// State is the position of a Manager in the authentication flow.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticatingRedirect
	StateValidatingCallback
	StateAuthenticated
	StateLoggingOutRedirect
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticatingRedirect:
		return "authenticating_redirect"
	case StateValidatingCallback:
		return "validating_callback"
	case StateAuthenticated:
		return "authenticated"
	case StateLoggingOutRedirect:
		return "logging_out_redirect"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Navigator performs a full redirect of the user agent.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

type Discovery interface {
	GetOpenIDConfig(ctx context.Context) (*oidc.ProviderConfig, error)
}

type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken, expectedNonce string) (*verifier.IDToken, error)
}

// Config holds the client registration and the local paths of the flow.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	// DomainURL hosts the provider endpoints at the configured paths. When
	// empty the authorization, token and userinfo endpoints are read from the
	// discovery document and the logout endpoint is resolved against IssuerURL.
	DomainURL    string
	IssuerURL    string
	LoginPath    string
	LogoutPath   string
	TokenPath    string
	UserInfoPath string

	BaseURL            string
	CallbackPath       string
	LogoutCallbackPath string
	ErrorPath          string
	DefaultReturnTo    string

	VerifyIDToken bool
	PKCE          bool
	UserInfoTTL   time.Duration
	NonceTTL      time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ClientID:           cfg.Provider.ClientID,
		ClientSecret:       cfg.Provider.ClientSecret,
		Scopes:             cfg.Provider.Scopes,
		DomainURL:          cfg.Provider.DomainURL,
		IssuerURL:          cfg.Provider.IssuerURL,
		LoginPath:          cfg.Provider.LoginPath,
		LogoutPath:         cfg.Provider.LogoutPath,
		TokenPath:          cfg.Provider.TokenPath,
		UserInfoPath:       cfg.Provider.UserInfoPath,
		BaseURL:            cfg.Server.BaseURL,
		CallbackPath:       cfg.Client.CallbackPath,
		LogoutCallbackPath: cfg.Client.LogoutCallbackPath,
		ErrorPath:          cfg.Client.ErrorPath,
		DefaultReturnTo:    cfg.Client.DefaultReturnTo,
		VerifyIDToken:      cfg.VerifyIDTokens(),
		PKCE:               cfg.Provider.PKCE,
		UserInfoTTL:        cfg.Client.UserInfoTTL,
		NonceTTL:           cfg.Client.NonceTTL,
	}
}

// Deps are the collaborators of a Manager. Discovery may be nil when DomainURL
// is set; Verifier may be nil when identity tokens are not verified.
type Deps struct {
	Store      storage.Store
	Discovery  Discovery
	Verifier   TokenVerifier
	Navigator  Navigator
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithRedirectCallback registers fn to run with the restored application
// state once a login or logout callback completes.
func WithRedirectCallback(fn func(ctx context.Context, appState AppState)) Option {
	return func(m *Manager) {
		m.onRedirect = fn
	}
}

type accessToken struct {
	value string
	// zero when the provider gave no lifetime
	expiresAt time.Time
}

type cachedUserInfo struct {
	info      *UserInfo
	expiresAt time.Time
}

type Manager struct {
	cfg        Config
	store      storage.Store
	discovery  Discovery
	verifier   TokenVerifier
	navigator  Navigator
	client     *http.Client
	logger     *slog.Logger
	clock      clockwork.Clock
	onRedirect func(ctx context.Context, appState AppState)

	flights singleflight.Group

	mu       sync.RWMutex
	state    State
	token    *accessToken
	userInfo *cachedUserInfo
}

func NewManager(cfg Config, deps Deps, opts ...Option) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Navigator == nil {
		return nil, errors.New("navigator is required")
	}
	if cfg.DomainURL == "" && deps.Discovery == nil {
		return nil, errors.New("discovery is required when no provider domain is configured")
	}
	if cfg.VerifyIDToken && deps.Verifier == nil {
		return nil, errors.New("verifier is required when identity tokens are verified")
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID}
	}
	if cfg.DefaultReturnTo == "" {
		cfg.DefaultReturnTo = "/"
	}
	if cfg.UserInfoTTL == 0 {
		cfg.UserInfoTTL = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	m := &Manager{
		cfg:       cfg,
		store:     deps.Store,
		discovery: deps.Discovery,
		verifier:  deps.Verifier,
		navigator: deps.Navigator,
		client:    deps.HTTPClient,
		logger:    deps.Logger,
		clock:     clockwork.NewRealClock(),
		state:     StateUnauthenticated,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 10 * time.Second}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if !cfg.VerifyIDToken {
		m.verifier = nil
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// IsAuthenticated reports whether an access token is held in memory.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != nil
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// clearLocal drops the in-memory token and user attributes and removes the
// persisted refresh token.
func (m *Manager) clearLocal(ctx context.Context, next State) error {
	m.mu.Lock()
	m.token = nil
	m.userInfo = nil
	m.state = next
	m.mu.Unlock()

	if err := m.store.Remove(ctx, refreshTokenKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return nil
}

func (m *Manager) redirectURI() string {
	return m.cfg.BaseURL + m.cfg.CallbackPath
}

func (m *Manager) logoutRedirectURI() string {
	return m.cfg.BaseURL + m.cfg.LogoutCallbackPath
}

// ErrorURL is where failed callbacks are sent.
func (m *Manager) ErrorURL() string {
	return m.cfg.BaseURL + m.cfg.ErrorPath
}

func (m *Manager) withDefaults(appState AppState) AppState {
	if appState.ReturnTo == "" {
		appState.ReturnTo = m.cfg.DefaultReturnTo
	}
	return appState
}

type endpoints struct {
	auth     string
	token    string
	userInfo string
	logout   string
}

func (m *Manager) endpoints(ctx context.Context) (endpoints, error) {
	if m.cfg.DomainURL != "" {
		base := strings.TrimSuffix(m.cfg.DomainURL, "/")
		return endpoints{
			auth:     base + m.cfg.LoginPath,
			token:    base + m.cfg.TokenPath,
			userInfo: base + m.cfg.UserInfoPath,
			logout:   base + m.cfg.LogoutPath,
		}, nil
	}

	doc, err := m.discovery.GetOpenIDConfig(ctx)
	if err != nil {
		return endpoints{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	issuer := strings.TrimSuffix(m.cfg.IssuerURL, "/")
	if issuer == "" {
		issuer = strings.TrimSuffix(doc.IssuerURL, "/")
	}
	ep := endpoints{
		auth:     doc.AuthURL,
		token:    doc.TokenURL,
		userInfo: doc.UserInfoURL,
		logout:   issuer + m.cfg.LogoutPath,
	}
	if ep.auth == "" {
		ep.auth = issuer + m.cfg.LoginPath
	}
	if ep.token == "" {
		ep.token = issuer + m.cfg.TokenPath
	}
	if ep.userInfo == "" {
		ep.userInfo = issuer + m.cfg.UserInfoPath
	}
	return ep, nil
}

func (m *Manager) oauth2Config(ep endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.auth,
			TokenURL:  ep.token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: m.redirectURI(),
		Scopes:      m.cfg.Scopes,
	}
}

// httpContext routes the oauth2 package's requests through the Manager's client.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}
