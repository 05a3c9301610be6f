// Package idptest runs an in-process identity provider for tests. It speaks the
// same endpoints the client talks to: login and logout redirects, the token
// endpoint for both grants, userinfo, the JWKS document and the OpenID
// configuration. Every request is counted per path.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	LoginPath    = "/login"
	LogoutPath   = "/logout"
	TokenPath    = "/oauth2/token"
	UserInfoPath = "/oauth2/userInfo"
	JWKSPath     = "/.well-known/jwks.json"
	ConfigPath   = "/.well-known/openid-configuration"

	DefaultKeyID = "1234"
)

// Settings control how the provider answers. Change them with Update.
type Settings struct {
	ExpiresIn          int
	IssueRefreshToken  bool
	RotateRefreshToken bool
	IncludeIDToken     bool
	TokenStatus        int
	UserInfoStatus     int
	JWKSStatus         int
	// IDTokenNonce replaces the nonce echoed into identity tokens when set.
	IDTokenNonce string
	// IDTokenIssuer replaces the issuer claim of identity tokens when set.
	IDTokenIssuer string
	UserInfo      map[string]any
}

type Provider struct {
	URL    string
	server *httptest.Server

	mu         sync.Mutex
	settings   Settings
	keys       map[string]*rsa.PrivateKey
	published  []string
	signingKid string
	calls      map[string]int
	codes      map[string]string
	tokens     map[string]bool
	refresh    map[string]bool
	nextCode   int
	nextAT     int
	nextRT     int
	lastLogin  url.Values
	lastToken  url.Values
}

func New(t testing.TB) *Provider {
	t.Helper()

	p := &Provider{
		settings: Settings{
			ExpiresIn:         3600,
			IssueRefreshToken: true,
			IncludeIDToken:    true,
			UserInfo: map[string]any{
				"sub":      "0f1e2d3c",
				"name":     "John Doe",
				"username": "JohnDoe",
				"email":    "john@example.com",
			},
		},
		keys:    map[string]*rsa.PrivateKey{},
		calls:   map[string]int{},
		codes:   map[string]string{},
		tokens:  map[string]bool{},
		refresh: map[string]bool{},
	}
	p.AddKey(t, DefaultKeyID, true)
	p.signingKid = DefaultKeyID

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+LoginPath, p.handleLogin)
	mux.HandleFunc("GET "+LogoutPath, p.handleLogout)
	mux.HandleFunc("POST "+TokenPath, p.handleToken)
	mux.HandleFunc("GET "+UserInfoPath, p.handleUserInfo)
	mux.HandleFunc("GET "+JWKSPath, p.handleJWKS)
	mux.HandleFunc("GET "+ConfigPath, p.handleConfig)

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.calls[r.URL.Path]++
		p.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	p.URL = p.server.URL
	t.Cleanup(p.server.Close)
	return p
}

func (p *Provider) Update(fn func(s *Settings)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.settings)
}

// Calls returns how many requests hit path.
func (p *Provider) Calls(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = map[string]int{}
}

// LastLoginQuery returns the query of the most recent login redirect.
func (p *Provider) LastLoginQuery() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLogin
}

// LastTokenForm returns the form of the most recent token request.
func (p *Provider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastToken
}

// AddKey generates an RSA key under kid, optionally publishing it in the JWKS.
func (p *Provider) AddKey(t testing.TB, kid string, publish bool) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = key
	if publish {
		p.published = append(p.published, kid)
	}
}

// Publish replaces the set of kids served by the JWKS endpoint.
func (p *Provider) Publish(kids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = kids
}

// SignWith selects the key used for identity tokens.
func (p *Provider) SignWith(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signingKid = kid
}

// SignIDToken signs claims with the key registered under kid.
func (p *Provider) SignIDToken(kid string, claims jwt.MapClaims) (string, error) {
	p.mu.Lock()
	key, ok := p.keys[kid]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown kid %q", kid)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// Authorize follows the login redirect the way a browser would and returns the
// callback location the provider sends the user back to.
func (p *Provider) Authorize(t testing.TB, authURL string) *url.URL {
	t.Helper()
	return p.follow(t, authURL)
}

// EndSession follows a logout redirect and returns the post-logout location.
func (p *Provider) EndSession(t testing.TB, logoutURL string) *url.URL {
	t.Helper()
	return p.follow(t, logoutURL)
}

func (p *Provider) follow(t testing.TB, target string) *url.URL {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("failed to follow %s: %v", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect from %s, got %d", target, resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect location: %v", err)
	}
	return loc
}

func (p *Provider) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect := q.Get("redirect_uri")
	if redirect == "" || q.Get("client_id") == "" || q.Get("response_type") != "code" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.lastLogin = q
	p.nextCode++
	code := fmt.Sprintf("code-%d", p.nextCode)
	p.codes[code] = q.Get("nonce")
	p.mu.Unlock()

	target, err := url.Parse(redirect)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("state", q.Get("state"))
	values.Set("code", code)
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := url.Parse(q.Get("logout_uri"))
	if err != nil || target.String() == "" {
		http.Error(w, "invalid logout_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("state", q.Get("state"))
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastToken = r.PostForm
	s := p.settings

	if s.TokenStatus != 0 && s.TokenStatus != http.StatusOK {
		writeJSON(w, s.TokenStatus, map[string]string{"error": "invalid_grant"})
		return
	}
	if r.PostForm.Get("client_id") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	var nonce string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		n, ok := p.codes[code]
		if !ok || r.PostForm.Get("redirect_uri") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(p.codes, code)
		nonce = n
	case "refresh_token":
		if !p.refresh[r.PostForm.Get("refresh_token")] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	p.nextAT++
	accessToken := fmt.Sprintf("AT%d", p.nextAT)
	p.tokens[accessToken] = true
	response := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   s.ExpiresIn,
	}

	isCode := r.PostForm.Get("grant_type") == "authorization_code"
	if (isCode && s.IssueRefreshToken) || (!isCode && s.RotateRefreshToken) {
		if !isCode {
			delete(p.refresh, r.PostForm.Get("refresh_token"))
		}
		p.nextRT++
		refreshToken := fmt.Sprintf("RT%d", p.nextRT)
		p.refresh[refreshToken] = true
		response["refresh_token"] = refreshToken
	}

	if isCode && s.IncludeIDToken {
		if s.IDTokenNonce != "" {
			nonce = s.IDTokenNonce
		}
		issuer := p.URL
		if s.IDTokenIssuer != "" {
			issuer = s.IDTokenIssuer
		}
		idToken, err := p.signLocked(jwt.MapClaims{
			"sub":   s.UserInfo["sub"],
			"iss":   issuer,
			"aud":   r.PostForm.Get("client_id"),
			"nonce": nonce,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		response["id_token"] = idToken
	}

	writeJSON(w, http.StatusOK, response)
}

func (p *Provider) signLocked(claims jwt.MapClaims) (string, error) {
	key := p.keys[p.signingKid]
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.signingKid
	return token.SignedString(key)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settings.UserInfoStatus != 0 && p.settings.UserInfoStatus != http.StatusOK {
		w.WriteHeader(p.settings.UserInfoStatus)
		return
	}
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) != 2 || fields[0] != "Bearer" || !p.tokens[fields[1]] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, p.settings.UserInfo)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settings.JWKSStatus != 0 && p.settings.JWKSStatus != http.StatusOK {
		w.WriteHeader(p.settings.JWKSStatus)
		return
	}
	set := jose.JSONWebKeySet{}
	for _, kid := range p.published {
		key, ok := p.keys[kid]
		if !ok {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.URL,
		"authorization_endpoint":                p.URL + LoginPath,
		"token_endpoint":                        p.URL + TokenPath,
		"userinfo_endpoint":                     p.URL + UserInfoPath,
		"jwks_uri":                              p.URL + JWKSPath,
		"end_session_endpoint":                  p.URL + LogoutPath,
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
