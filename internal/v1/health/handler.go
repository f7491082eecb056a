// Package health exposes the kubernetes-style probe endpoints. Liveness only
// proves the process runs; readiness requires redis, at least one live media
// worker, and the backend-event relay subscription.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *bus.Service. A nil service pings successfully,
// matching single-instance mode.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerCounter is satisfied by *sfu.Pool.
type WorkerCounter interface {
	WorkerCount() int
}

// ReadyChecker is satisfied by *relay.Service.
type ReadyChecker interface {
	Ready() bool
}

// Handler serves the probe endpoints.
type Handler struct {
	redis   Pinger
	workers WorkerCounter
	relay   ReadyChecker
}

func NewHandler(redis Pinger, workers WorkerCounter, relay ReadyChecker) *Handler {
	return &Handler{redis: redis, workers: workers, relay: relay}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body. Checks maps each dependency
// to "healthy" or "unhealthy".
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Always 200 while the process runs.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. 200 only when every dependency is
// healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"redis":   "healthy",
		"workers": "healthy",
		"relay":   "healthy",
	}
	ready := true

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = "unhealthy"
			ready = false
		}
	}

	if h.workers == nil || h.workers.WorkerCount() < 1 {
		checks["workers"] = "unhealthy"
		ready = false
	}

	if h.relay == nil || !h.relay.Ready() {
		checks["relay"] = "unhealthy"
		ready = false
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
