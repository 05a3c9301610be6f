package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LoginRedirects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_client_login_redirects_total",
		Help: "Total number of redirects issued to the provider login endpoint",
	})
	LogoutRedirects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_client_logout_redirects_total",
		Help: "Total number of redirects issued to the provider logout endpoint",
	})
	// result is one of: success, integrity_failure, verification_failure, transport_failure
	Callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_client_callbacks_total",
		Help: "Total number of login and logout callbacks processed",
	}, []string{"kind", "result"})
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_client_token_refreshes_total",
		Help: "Total number of refresh grants sent to the token endpoint",
	}, []string{"result"})
	UserInfoFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_client_userinfo_fetches_total",
		Help: "Total number of calls to the userinfo endpoint",
	}, []string{"result"})
	DiscoveryFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_client_discovery_fetches_total",
		Help: "Total number of discovery document and key set fetches",
	}, []string{"document", "result"})
)

func init() {
	prometheus.MustRegister(LoginRedirects)
	prometheus.MustRegister(LogoutRedirects)
	prometheus.MustRegister(Callbacks)
	prometheus.MustRegister(TokenRefreshes)
	prometheus.MustRegister(UserInfoFetches)
	prometheus.MustRegister(DiscoveryFetches)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
