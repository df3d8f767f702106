package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MetricsHandler serves Prometheus metrics.
type MetricsHandler struct {
	handler http.Handler
}

// NewMetricsHandler creates a new MetricsHandler over a promhttp handler.
func NewMetricsHandler(handler http.Handler) *MetricsHandler {
	return &MetricsHandler{handler: handler}
}

// RegisterPublicRoutes registers metrics routes that don't require authentication.
func (h *MetricsHandler) RegisterPublicRoutes(r gin.IRoutes) {
	r.GET("/metrics", gin.WrapH(h.handler))
}
