package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcogenualdo/sso-client/internal/navigator"
	"github.com/marcogenualdo/sso-client/internal/session"
)

type accessTokenKey struct{}

type TokenSource interface {
	GetAccessToken(ctx context.Context, appState session.AppState) (string, error)
}

// BindNavigator makes redirects issued while serving a request land on that
// request's response.
func BindNavigator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(navigator.WithResponse(r.Context(), w, r)))
	})
}

// RequireToken lets a request through only when an access token is available
// and stores it in the request context. Without one the session has already
// redirected the user agent to the provider, with the requested URI as the
// place to return to.
func RequireToken(tokens TokenSource, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, err := tokens.GetAccessToken(ctx, session.AppState{ReturnTo: r.URL.RequestURI()})
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, accessTokenKey{}, token)))
			case errors.Is(err, session.ErrLoginRedirect):
				logger.Debug("no access token, login redirect issued", "path", r.URL.Path)
				if !navigator.Navigated(ctx) {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
			default:
				logger.Error("failed to obtain access token", "path", r.URL.Path, "error", err)
				http.Error(w, "Bad Gateway", http.StatusBadGateway)
			}
		})
	}
}

func AccessToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenKey{}).(string)
	return token, ok && token != ""
}
