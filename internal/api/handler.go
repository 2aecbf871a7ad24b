package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/breaker"
	"github.com/ethicalzen/sentinel-gateway/internal/cache"
	"github.com/ethicalzen/sentinel-gateway/internal/config"
	"github.com/ethicalzen/sentinel-gateway/internal/metrics"
	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
	"github.com/ethicalzen/sentinel-gateway/pkg/telemetry"
)

// Version is the reported gateway version.
const Version = "1.0.0"

// Handler serves the admin and observability surface on the admin port.
type Handler struct {
	cfg      *config.Config
	registry *guardrail.Registry
	cache    cache.Store
	breakers *breaker.Table
	sink     *telemetry.Pipeline
}

// New creates the admin handler.
func New(cfg *config.Config, reg *guardrail.Registry, c cache.Store, b *breaker.Table, sink *telemetry.Pipeline) *Handler {
	return &Handler{cfg: cfg, registry: reg, cache: c, breakers: b, sink: sink}
}

// RegisterRoutes installs all admin endpoints on the router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/guardrails/register", h.RegisterGuardrail).Methods("POST")
	api.HandleFunc("/guardrails/list", h.ListGuardrails).Methods("GET")
	api.HandleFunc("/guardrails/configs/{id}", h.GetGuardrailConfig).Methods("GET")
	api.HandleFunc("/guardrails/{id}", h.DeleteGuardrail).Methods("DELETE")
	api.HandleFunc("/telemetry/stream", h.StreamTelemetry).Methods("GET")
}

// HealthCheck handles GET /health. It always answers 200 while the
// process is up; degraded dependencies show in the circuit states.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	metrics.CacheHitRatio.Set(stats.HitRate)

	circuits := h.breakers.States()
	for dep, state := range circuits {
		metrics.SetCircuitState(dep, state)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"service":           h.cfg.Gateway.Name,
		"version":           Version,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"circuit_state":     circuits,
		"cache_stats":       stats,
		"guardrails_cached": h.registry.Count(),
		"telemetry_dropped": h.sink.Dropped(),
	})
}

// RegisterGuardrail handles POST /api/guardrails/register. Registration
// is idempotent by id: re-posting replaces the definition atomically.
func (h *Handler) RegisterGuardrail(w http.ResponseWriter, r *http.Request) {
	var cfg guardrail.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if cfg.RegisteredAt == "" {
		cfg.RegisteredAt = time.Now().UTC().Format(time.RFC3339)
	}

	if err := h.registry.Register(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := guardrail.Persist(&cfg, h.cfg.Guardrails.RepoDir); err != nil {
		log.WithError(err).Warn("Failed to persist guardrail to repository (continuing anyway)")
	}

	// Shared network caches let other replicas see the registration
	// before their next repo reload.
	configTTL := time.Duration(h.cfg.Cache.ConfigTTLS) * time.Second
	if err := cache.SetJSON(r.Context(), h.cache, "guardrail:"+cfg.ID, &cfg, configTTL); err != nil {
		log.WithError(err).Warn("Failed to cache guardrail config")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"guardrail_id": cfg.ID,
		"message":      fmt.Sprintf("Guardrail '%s' registered successfully", cfg.Name),
		"source":       string(cfg.Type),
	})
}

// ListGuardrails handles GET /api/guardrails/list.
func (h *Handler) ListGuardrails(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"count":      len(list),
		"guardrails": list,
	})
}

// GetGuardrailConfig handles GET /api/guardrails/configs/{id}.
func (h *Handler) GetGuardrailConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cfg, err := h.registry.GetConfig(id)
	if err != nil {
		var cached guardrail.Config
		if hit, cerr := cache.GetJSON(r.Context(), h.cache, "guardrail:"+id, &cached); cerr == nil && hit {
			h.writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"config":  &cached,
			})
			return
		}
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("Guardrail config not found: %s", id))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"config":  cfg,
	})
}

// DeleteGuardrail handles DELETE /api/guardrails/{id}. Built-ins cannot
// be deleted.
func (h *Handler) DeleteGuardrail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if g, err := h.registry.Get(id); err == nil && g.Origin == guardrail.OriginStatic {
		h.writeError(w, http.StatusForbidden, "Cannot delete built-in guardrails")
		return
	}

	if err := h.registry.Unregister(id); err != nil {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("Guardrail not found: %s", id))
		return
	}

	if err := guardrail.Remove(id, h.cfg.Guardrails.RepoDir); err != nil {
		log.WithError(err).Warn("Failed to delete guardrail from repository (continuing anyway)")
	}
	if err := h.cache.Delete(r.Context(), "guardrail:"+id); err != nil {
		log.WithError(err).Warn("Failed to evict guardrail config from cache")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Guardrail '%s' deleted successfully", id),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "API_ERROR",
		"message": message,
	})
}
