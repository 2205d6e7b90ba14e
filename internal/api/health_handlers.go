package api

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler answers /healthz with a dependency rundown. The database is
// the only hard dependency: without it nothing works and the response is
// 503 so the load balancer pulls the instance. Broker, stream and cache
// outages degrade features but the API stays up.
type HealthHandler struct {
	Version string

	DBPing    func(ctx context.Context) error
	RedisPing func(ctx context.Context) error
	MQTTUp    func() bool
	StreamUp  func() bool
	WSClients func() int
	Timers    func() int
}

const healthProbeTimeout = 2 * time.Second

// GET /healthz
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	status := "ok"
	checks := map[string]string{}

	if h.DBPing != nil {
		if err := h.DBPing(ctx); err != nil {
			checks["database"] = "down"
			status = "unavailable"
		} else {
			checks["database"] = "ok"
		}
	}
	if h.RedisPing != nil {
		if err := h.RedisPing(ctx); err != nil {
			checks["redis"] = "down"
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks["redis"] = "ok"
		}
	}
	if h.MQTTUp != nil {
		if h.MQTTUp() {
			checks["mqtt"] = "connected"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "ok" {
				status = "degraded"
			}
		}
	}
	if h.StreamUp != nil {
		if h.StreamUp() {
			checks["stream"] = "connected"
		} else {
			// Informational only: deployments without NATS run like this
			// permanently.
			checks["stream"] = "disconnected"
		}
	}

	payload := map[string]any{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC(),
	}
	if h.Version != "" {
		payload["version"] = h.Version
	}
	if h.WSClients != nil {
		payload["ws_clients"] = h.WSClients()
	}
	if h.Timers != nil {
		payload["session_timers"] = h.Timers()
	}

	code := http.StatusOK
	if status == "unavailable" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, payload)
}
