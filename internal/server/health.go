package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// Health reports ready only when both the database and the stock cache answer.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := gin.H{"database": "ok", "stock_cache": "ok"}
	healthy := true

	if err := s.pingDB(ctx); err != nil {
		s.log.Warn("health check database failed", zap.Error(err))
		checks["database"] = "unavailable"
		healthy = false
	}
	if err := s.cache.Ping(ctx); err != nil {
		s.log.Warn("health check stock cache failed", zap.Error(err))
		checks["stock_cache"] = "unavailable"
		healthy = false
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

func (s *Server) pingDB(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
