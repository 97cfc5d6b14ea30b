// Package health exposes liveness and readiness probes for the focus
// process. Readiness reflects the XMPP registration and the registry's
// drain state so a load balancer stops routing conference requests to a
// draining instance.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// Registry is the slice of the conference registry the probes need.
type Registry interface {
	Count() int
	IsShuttingDown() bool
}

// Handler serves the probe endpoints.
type Handler struct {
	transport xmpp.Transport
	registry  Registry
}

// NewHandler creates a probe handler. transport may be nil in setups that
// only want liveness.
func NewHandler(transport xmpp.Transport, registry Registry) *Handler {
	return &Handler{transport: transport, registry: registry}
}

// Register mounts the probe endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.Liveness)
	mux.HandleFunc("GET /health/ready", h.Readiness)
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Conferences int               `json:"conferences"`
	Timestamp   string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only while the focus is
// registered with the XMPP server and accepting new conferences; 503
// otherwise.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if h.transport != nil {
		if h.transport.State() == xmpp.ConnectionRegistered {
			checks["xmpp"] = "registered"
		} else {
			checks["xmpp"] = "unregistered"
			ready = false
		}
	}

	conferences := 0
	if h.registry != nil {
		conferences = h.registry.Count()
		if h.registry.IsShuttingDown() {
			checks["registry"] = "draining"
			ready = false
		} else {
			checks["registry"] = "accepting"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadinessResponse{
		Status:      status,
		Checks:      checks,
		Conferences: conferences,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error(nil, "Failed to encode health response", zap.Error(err))
	}
}
