// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	checks map[string]Check
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Live handles GET /health/live.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready. Every check runs; one failure makes the
// whole response 503.
func (h *HealthHandler) Ready(c *gin.Context) {
	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			results[name] = "unhealthy: " + err.Error()
			status, code = "error", http.StatusServiceUnavailable
			continue
		}
		results[name] = "healthy"
	}
	c.JSON(code, gin.H{"status": status, "checks": results})
}
