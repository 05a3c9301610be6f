package server

import (
	"net/http"

	"github.com/marcogenualdo/sso-client/internal/handlers"
	"github.com/marcogenualdo/sso-client/internal/metrics"
	"github.com/marcogenualdo/sso-client/internal/middleware"
	"github.com/marcogenualdo/sso-client/internal/proxy"
)

const loginPath = "/auth/login"

// Handler builds the full middleware chain and routing table.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	client := s.cfg.Client

	authHandler := handlers.NewAuthHandler(s.manager, client.DefaultReturnTo, s.logger)
	apiHandler := handlers.NewAPIHandler(s.manager, client.DefaultReturnTo, s.logger)
	healthHandler := handlers.NewHealthHandler(s.cfg.Storage.Type, s.store, s.discovery, s.cfg.Backend.URL, s.logger)

	errorPage, err := handlers.NewErrorPage(loginPath, s.logger)
	if err != nil {
		return nil, err
	}

	mux.HandleFunc("GET "+loginPath, authHandler.Login)
	// logout changes state, so it is POST only and refused for cross-site requests
	mux.Handle("POST /auth/logout", http.NewCrossOriginProtection().Handler(http.HandlerFunc(authHandler.Logout)))
	mux.HandleFunc("GET "+client.CallbackPath, authHandler.Callback)
	mux.HandleFunc("GET "+client.LogoutCallbackPath, authHandler.Callback)
	mux.Handle("GET "+client.ErrorPath, errorPage)

	mux.HandleFunc("GET /api/token", apiHandler.Token)
	mux.HandleFunc("GET /api/userinfo", apiHandler.UserInfo)
	mux.HandleFunc("GET /api/session", apiHandler.Session)

	mux.HandleFunc("GET /health", healthHandler.ServeHTTP)

	if s.cfg.MetricsEnabled() {
		mux.Handle("GET "+s.cfg.Metrics.Path, metrics.Handler())
	}

	requireToken := middleware.RequireToken(s.manager, s.logger)
	if s.cfg.Backend.URL != "" {
		reverseProxy, err := proxy.NewReverseProxy(s.cfg.Backend, s.manager, s.logger)
		if err != nil {
			return nil, err
		}
		mux.Handle("/", requireToken(reverseProxy))
	} else {
		mux.Handle("GET /{$}", requireToken(http.HandlerFunc(apiHandler.UserInfo)))
	}

	handler := middleware.Recovery(s.logger)(
		middleware.Logging(s.logger)(
			addSecurityHeaders(
				middleware.BindNavigator(mux),
			),
		),
	)

	return handler, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}
