package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interchatapp/interchat-calls/internal/callmanager"
	"github.com/interchatapp/interchat-calls/internal/database"
)

// Handler exposes the operational HTTP surface: health, stats, metrics.
type Handler struct {
	manager   *callmanager.Manager
	redisDB   *database.RedisClient
	postgres  *database.PostgresDB
	clusterID string
}

// NewHandler creates a new ops handler
func NewHandler(manager *callmanager.Manager, redisDB *database.RedisClient, postgres *database.PostgresDB, clusterID string) *Handler {
	return &Handler{
		manager:   manager,
		redisDB:   redisDB,
		postgres:  postgres,
		clusterID: clusterID,
	}
}

// RegisterRoutes wires the handler onto the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/stats", h.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Health reports liveness of the node and its backing stores.
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	redisStatus := "healthy"
	if h.redisDB.IsDegraded() {
		redisStatus = "degraded"
		status = http.StatusServiceUnavailable
	}

	postgresStatus := "healthy"
	if err := h.postgres.Ping(ctx); err != nil {
		postgresStatus = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":     statusWord(status),
		"cluster_id": h.clusterID,
		"redis":      redisStatus,
		"postgres":   postgresStatus,
		"time":       time.Now().UTC(),
	})
}

// Stats returns the aggregated cluster statistics.
// GET /stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.manager.GetDistributedStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to collect stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func statusWord(code int) string {
	if code == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}
