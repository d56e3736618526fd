package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/promosale/internal/authorization"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	schedulertesting "github.com/smallbiznis/promosale/internal/scheduler/testing"
)

// registerDevRoutes adds development-only endpoints that move activity
// timelines forward so a full lifecycle can be exercised by hand.
func (s *Server) registerDevRoutes() {
	if s.cfg.Environment == "production" {
		return
	}
	s.accelerator = schedulertesting.NewTimeAccelerator(s.db, s.clock)

	dev := s.engine.Group("/admin/dev")
	dev.Use(s.OperatorRequired(), s.authorizeAction(authorization.ObjectScheduler, authorization.ActionSchedulerRun))

	dev.POST("/activities/:id/start-now", s.DevStartActivityNow)
	dev.GET("/activities/:id/info", s.DevGetActivityInfo)
	dev.POST("/sessions/:id/end-now", s.DevEndSessionNow)
	dev.POST("/groups/:code/expire-now", s.DevExpireGroupNow)
	dev.POST("/scheduler/run-once", s.RunScheduler)
}

func (s *Server) DevStartActivityNow(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	affected, err := s.accelerator.StartActivityNow(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "activity moved to start now",
		"activity_id": id,
		"affected":    affected,
	})
}

func (s *Server) DevGetActivityInfo(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	info, err := s.accelerator.GetActivityInfo(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": info})
}

func (s *Server) DevEndSessionNow(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	affected, err := s.accelerator.EndSessionNow(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "session moved to end now",
		"session_id": id,
		"affected":   affected,
	})
}

func (s *Server) DevExpireGroupNow(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		AbortWithError(c, groupdomain.ErrInvalidCode)
		return
	}

	affected, err := s.accelerator.ExpireGroupNow(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "group moved to expire now",
		"code":     code,
		"affected": affected,
	})
}
