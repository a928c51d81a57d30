package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/config"
	"github.com/mescon/pixelarr/internal/logger"
)

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// checkDatabaseHealth checks database connectivity and returns status
func (s *RESTServer) checkDatabaseHealth(ctx context.Context) (gin.H, bool) {
	if err := s.repo.Ping(ctx); err != nil {
		return gin.H{"status": "error", "error": err.Error()}, false
	}
	dbHealth := gin.H{"status": "connected"}
	stats, err := s.repo.GetDatabaseStats(ctx)
	if err != nil {
		logger.Debugf("Failed to read database stats: %v", err)
		return dbHealth, true
	}
	dbHealth["size"] = stats.SizeHuman
	dbHealth["tracked_files"] = stats.TableCounts["tracked_files"]
	return dbHealth, true
}

// handleHealth returns server health for container orchestration. It answers
// 503 only when the database is unreachable; missing detector tools degrade
// the status but the service keeps answering.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, dbHealthy := s.checkDatabaseHealth(ctx)

	status := "healthy"
	health := gin.H{
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"database":          dbHealth,
		"websocket_clients": s.hub.ClientCount(),
	}

	if s.tools != nil {
		health["tools"] = s.tools.Status()
		if missing := s.tools.MissingRequired(); len(missing) > 0 {
			status = "degraded"
			health["missing_tools"] = missing
		}
	}

	if active, ok := s.operations.Active(); ok {
		health["active_operation"] = gin.H{
			"id":               active.ID,
			"kind":             active.Kind,
			"started_at":       active.StartedAt,
			"cancel_requested": active.CancelRequested,
		}
	}

	code := http.StatusOK
	if !dbHealthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	health["status"] = status
	c.JSON(code, health)
}
