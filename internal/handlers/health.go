package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcogenualdo/sso-client/internal/session"
	"github.com/marcogenualdo/sso-client/internal/storage"
)

const healthCheckKey = "health:check"

type HealthHandler struct {
	storageType string
	store       storage.Store
	discovery   session.Discovery
	backendURL  string
	client      *http.Client
	logger      *slog.Logger
	startTime   time.Time
}

func NewHealthHandler(storageType string, store storage.Store, discovery session.Discovery, backendURL string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		storageType: storageType,
		store:       store,
		discovery:   discovery,
		backendURL:  backendURL,
		client:      &http.Client{Timeout: 3 * time.Second},
		logger:      logger,
		startTime:   time.Now(),
	}
}

type HealthResponse struct {
	Status   string         `json:"status"`
	Uptime   string         `json:"uptime"`
	Storage  StorageHealth  `json:"storage"`
	Provider ProviderHealth `json:"provider"`
	Backend  *BackendHealth `json:"backend,omitempty"`
}

type StorageHealth struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type ProviderHealth struct {
	Issuer string `json:"issuer,omitempty"`
	Status string `json:"status"`
}

type BackendHealth struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startTime).String(),
	}

	response.Storage.Type = h.storageType
	if err := h.checkStorage(ctx); err != nil {
		h.logger.Warn("storage health check failed", "error", err)
		response.Storage.Status = "error"
		response.Status = "degraded"
	} else {
		response.Storage.Status = "connected"
	}

	if h.discovery != nil {
		if doc, err := h.discovery.GetOpenIDConfig(ctx); err != nil {
			h.logger.Warn("provider health check failed", "error", err)
			response.Provider.Status = "unreachable"
			response.Status = "degraded"
		} else {
			response.Provider.Issuer = doc.IssuerURL
			response.Provider.Status = "reachable"
		}
	} else {
		response.Provider.Status = "not checked"
	}

	if h.backendURL != "" {
		response.Backend = &BackendHealth{URL: h.backendURL, Status: "reachable"}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.backendURL, http.NoBody)
		if err == nil {
			var resp *http.Response
			if resp, err = h.client.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}
		if err != nil {
			response.Backend.Status = "unreachable"
			response.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(response)
}

// checkStorage only reads from backends that write to the user's disk or
// keychain; the others get a write and delete round trip.
func (h *HealthHandler) checkStorage(ctx context.Context) error {
	switch h.storageType {
	case "keyring", "file":
		_, err := h.store.Get(ctx, healthCheckKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	default:
		if err := h.store.Set(ctx, healthCheckKey, "ok", time.Minute); err != nil {
			return err
		}
		return h.store.Remove(ctx, healthCheckKey)
	}
}
