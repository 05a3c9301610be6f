package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/marcogenualdo/sso-client/internal/config"
	"github.com/marcogenualdo/sso-client/internal/middleware"
	"github.com/marcogenualdo/sso-client/internal/session"
)

type UserInfoSource interface {
	GetUserInfo(ctx context.Context, appState session.AppState) (*session.UserInfo, error)
}

// ReverseProxy forwards authenticated requests to the backend with the access
// token as bearer credential and selected user claims as headers. It must sit
// behind middleware.RequireToken.
type ReverseProxy struct {
	proxy  *httputil.ReverseProxy
	cfg    config.BackendConfig
	users  UserInfoSource
	logger *slog.Logger
}

func NewReverseProxy(cfg config.BackendConfig, users UserInfoSource, logger *slog.Logger) (*ReverseProxy, error) {
	backendURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(backendURL)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalHost := req.Host
		originalDirector(req)
		if cfg.PreserveHost {
			req.Host = originalHost
		} else {
			req.Host = backendURL.Host
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error",
			"error", err,
			"backend", backendURL.String(),
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	return &ReverseProxy{
		proxy:  proxy,
		cfg:    cfg,
		users:  users,
		logger: logger,
	}, nil
}

func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.AccessToken(r.Context())
	if !ok {
		rp.logger.Error("no access token in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var info *session.UserInfo
	if len(rp.cfg.HeaderMappings) > 0 {
		var err error
		info, err = rp.users.GetUserInfo(r.Context(), session.AppState{ReturnTo: r.URL.RequestURI()})
		if err != nil {
			rp.logger.Warn("forwarding without user headers", "error", err)
		}
	}

	InjectHeaders(r, token, info, rp.cfg.HeaderMappings)

	rp.logger.Debug("proxying request",
		"path", r.URL.Path,
		"backend", rp.cfg.URL,
		"request_id", middleware.RequestID(r.Context()),
	)

	rp.proxy.ServeHTTP(w, r)
}
