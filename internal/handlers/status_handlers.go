package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agromet-quillota/internal/config"
	"agromet-quillota/internal/repository"
	"agromet-quillota/pkg/logging"
)

// StatusHandler serves the read-only status surface: health, metrics, the
// current snapshot document and the configured stations. Dashboards are pure
// consumers; nothing here writes.
type StatusHandler struct {
	provider *config.Provider
	store    repository.Store
	logger   *logging.StructuredLogger
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(provider *config.Provider, store repository.Store, logger *logging.StructuredLogger) *StatusHandler {
	return &StatusHandler{
		provider: provider,
		store:    store,
		logger:   logger,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthCheck handles GET /healthz
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.store.HealthCheck(ctx); err != nil {
		h.logger.Error(ctx, "[HEALTH_CHECK_ERROR] Store health check failed", nil, err)
		h.sendJSON(w, map[string]string{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, http.StatusServiceUnavailable)
		return
	}

	h.sendJSON(w, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// GetSnapshot handles GET /api/v1/snapshot. It serves the snapshot document
// straight from disk; the atomic rename on the write side guarantees a
// complete file.
func (h *StatusHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	path := filepath.Join(h.provider.Current().Paths.SnapshotDir, "snapshot.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h.sendError(w, "snapshot not generated yet", http.StatusNotFound)
			return
		}
		h.logger.Error(ctx, "[API_SNAPSHOT_ERROR] Failed to read snapshot", logging.Fields{
			"path": path,
		}, err)
		h.sendError(w, "failed to read snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// GetStations handles GET /api/v1/stations
func (h *StatusHandler) GetStations(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.provider.Current().Stations, http.StatusOK)
}

// GetLatestReading handles GET /api/v1/stations/{id}/latest
func (h *StatusHandler) GetLatestReading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stationID := mux.Vars(r)["id"]

	reading, err := h.store.LatestReading(ctx, stationID)
	if err != nil {
		h.logger.Error(ctx, "[API_LATEST_ERROR] Failed to load latest reading", logging.Fields{
			"station_id": stationID,
		}, err)
		h.sendError(w, "failed to retrieve latest reading", http.StatusInternalServerError)
		return
	}
	if reading == nil {
		h.sendError(w, "no readings for station", http.StatusNotFound)
		return
	}

	h.sendJSON(w, reading, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *StatusHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *StatusHandler) sendError(w http.ResponseWriter, message string, statusCode int) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers the status API routes
func (h *StatusHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/v1/snapshot", h.GetSnapshot).Methods("GET")
	router.HandleFunc("/api/v1/stations", h.GetStations).Methods("GET")
	router.HandleFunc("/api/v1/stations/{id}/latest", h.GetLatestReading).Methods("GET")
}
