package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	graphops "github.com/soundprediction/go-graphops"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	graphops graphops.GraphOps
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(g graphops.GraphOps) *HealthHandler {
	return &HealthHandler{
		graphops: g,
	}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "go-graphops",
	})
}

// ReadinessCheck handles GET /ready. Ready means the graph engine answers.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if err := h.graphops.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"service": "go-graphops",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": "go-graphops",
	})
}
