package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tuncanbit/cpg/internal/domain"
)

const (
	serviceName    = "cpg"
	serviceVersion = "1.0.0"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	deps map[string]Pinger
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Health returns basic liveness
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now(),
	})
}

// Ready pings every dependency and reports 503 if any is down.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := domain.HealthStatus{
		Status:       "ready",
		Service:      serviceName,
		Version:      serviceVersion,
		Dependencies: make(map[string]string, len(h.deps)),
	}
	code := http.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			status.Dependencies[name] = "unavailable: " + err.Error()
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Dependencies[name] = "ok"
	}

	c.JSON(code, status)
}
