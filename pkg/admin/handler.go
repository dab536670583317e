// Package admin exposes the filter gateway's one control operation —
// reload_config — plus a read-only stats endpoint, over HTTP via gorilla/mux.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
	"github.com/bitechdev/filtergateway/pkg/logger"
)

// Handler wires the Supervisor's control operations onto mux routes.
type Handler struct {
	sup *eventbroker.Supervisor
}

// NewHandler builds an admin Handler for the given Supervisor.
func NewHandler(sup *eventbroker.Supervisor) *Handler {
	return &Handler{sup: sup}
}

// Register mounts /admin/reload and /admin/stats on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/admin/reload", h.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/admin/stats", h.handleStats).Methods(http.MethodGet)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.sup.ReloadConfig(ctx); err != nil {
		logger.Error("admin: reload_config failed: %v", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.sup.Stats(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
