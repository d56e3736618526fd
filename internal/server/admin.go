package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"go.uber.org/zap"
)

type createActivityRequest struct {
	Kind                  string    `json:"kind"`
	Title                 string    `json:"title"`
	StartAt               time.Time `json:"start_at"`
	EndAt                 time.Time `json:"end_at"`
	Disabled              bool      `json:"disabled"`
	MinPeople             int       `json:"min_people"`
	MaxPeople             int       `json:"max_people"`
	GroupTimeLimitSeconds int64     `json:"group_time_limit_seconds"`
}

type createSessionRequest struct {
	ActivityID *snowflake.ID `json:"activity_id"`
	StartAt    time.Time     `json:"start_at"`
	EndAt      time.Time     `json:"end_at"`
	PerUserMax int64         `json:"per_user_max"`
}

type createUnitRequest struct {
	ActivityID    snowflake.ID    `json:"activity_id"`
	SessionID     *snowflake.ID   `json:"session_id"`
	SKUID         string          `json:"sku_id"`
	TotalQuantity int64           `json:"total_quantity"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	PromoPrice    decimal.Decimal `json:"promo_price"`
	PerUserLimit  int64           `json:"per_user_limit"`
}

type unitResponse struct {
	ID            snowflake.ID    `json:"id"`
	ActivityID    snowflake.ID    `json:"activity_id"`
	SessionID     *snowflake.ID   `json:"session_id,omitempty"`
	SKUID         string          `json:"sku_id"`
	TotalQuantity int64           `json:"total_quantity"`
	SoldQuantity  int64           `json:"sold_quantity"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	PromoPrice    decimal.Decimal `json:"promo_price"`
	PerUserLimit  int64           `json:"per_user_limit"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newUnitResponse(u *ledgerdomain.SellableUnit) unitResponse {
	return unitResponse{
		ID:            u.ID,
		ActivityID:    u.ActivityID,
		SessionID:     u.SessionID,
		SKUID:         u.SKUID,
		TotalQuantity: u.TotalQuantity,
		SoldQuantity:  u.SoldQuantity,
		OriginalPrice: u.OriginalPrice,
		PromoPrice:    u.PromoPrice,
		PerUserLimit:  u.PerUserLimit,
		CreatedAt:     u.CreatedAt,
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type unitStockResponse struct {
	UnitID    snowflake.ID `json:"unit_id"`
	Cached    bool         `json:"cached"`
	Active    bool         `json:"active"`
	Total     int64        `json:"total"`
	Sold      int64        `json:"sold"`
	Pending   int64        `json:"pending"`
	Remaining int64        `json:"remaining"`
	Limit     int64        `json:"per_user_limit"`
}

func (s *Server) CreateActivity(c *gin.Context) {
	var req createActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	activity, err := s.activity.CreateActivity(c.Request.Context(), activitydomain.CreateActivityRequest{
		Kind:           activitydomain.Kind(strings.TrimSpace(req.Kind)),
		Title:          strings.TrimSpace(req.Title),
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		Disabled:       req.Disabled,
		MinPeople:      req.MinPeople,
		MaxPeople:      req.MaxPeople,
		GroupTimeLimit: time.Duration(req.GroupTimeLimitSeconds) * time.Second,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "activity.create", "activity", activity.ID.String(), map[string]any{
		"kind":  string(activity.Kind),
		"title": activity.Title,
	})
	c.JSON(http.StatusCreated, gin.H{"data": activity})
}

func (s *Server) GetActivity(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	activity, err := s.activity.GetActivity(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": activity})
}

func (s *Server) CancelActivity(c *gin.Context) {
	id, reason, ok := s.bindCancel(c)
	if !ok {
		return
	}

	changed, err := s.activity.CancelActivity(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if changed {
		s.recordAudit(c, "activity.cancel", "activity", id.String(), map[string]any{"reason": reason})
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "changed": changed}})
}

func (s *Server) EnableActivity(c *gin.Context) {
	s.setActivityEnabled(c, true)
}

func (s *Server) DisableActivity(c *gin.Context) {
	s.setActivityEnabled(c, false)
}

func (s *Server) setActivityEnabled(c *gin.Context, enabled bool) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	changed, err := s.activity.SetActivityEnabled(c.Request.Context(), id, enabled)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	action := "activity.disable"
	if enabled {
		action = "activity.enable"
	}
	if changed {
		s.recordAudit(c, action, "activity", id.String(), nil)
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "enabled": enabled, "changed": changed}})
}

func (s *Server) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.activity.CreateSession(c.Request.Context(), activitydomain.CreateSessionRequest{
		ActivityID: req.ActivityID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		PerUserMax: req.PerUserMax,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "session.create", "session", session.ID.String(), nil)
	c.JSON(http.StatusCreated, gin.H{"data": session})
}

func (s *Server) GetSession(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.activity.GetSession(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) CancelSession(c *gin.Context) {
	id, reason, ok := s.bindCancel(c)
	if !ok {
		return
	}

	changed, err := s.activity.CancelSession(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if changed {
		s.recordAudit(c, "session.cancel", "session", id.String(), map[string]any{"reason": reason})
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "changed": changed}})
}

func (s *Server) CreateUnit(c *gin.Context) {
	var req createUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	unit, err := s.activity.CreateUnit(c.Request.Context(), activitydomain.CreateUnitRequest{
		ActivityID:    req.ActivityID,
		SessionID:     req.SessionID,
		SKUID:         strings.TrimSpace(req.SKUID),
		TotalQuantity: req.TotalQuantity,
		OriginalPrice: req.OriginalPrice,
		PromoPrice:    req.PromoPrice,
		PerUserLimit:  req.PerUserLimit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "unit.create", "unit", unit.ID.String(), map[string]any{
		"sku_id":         unit.SKUID,
		"total_quantity": unit.TotalQuantity,
	})
	c.JSON(http.StatusCreated, gin.H{"data": newUnitResponse(unit)})
}

// GetUnitStock reads the live counters straight from the stock cache.
func (s *Server) GetUnitStock(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	state, err := s.cache.ReadUnit(c.Request.Context(), int64(id))
	if err != nil {
		s.log.Warn("read unit stock failed", zap.String("unit_id", id.String()), zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": unitStockResponse{
		UnitID:    id,
		Cached:    state.Cached,
		Active:    state.Active,
		Total:     state.Total,
		Sold:      state.Sold,
		Pending:   state.Pending,
		Remaining: state.Remaining,
		Limit:     state.Limit,
	}})
}

func (s *Server) ReconcileUnit(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.reconcile.ReconcileUnit(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "unit.reconcile", "unit", id.String(), map[string]any{
		"drift":  res.Drift,
		"warmed": res.Warmed,
	})
	c.JSON(http.StatusOK, gin.H{"data": res})
}

// WarmUnits re-syncs every live unit, warming the ones missing from the cache.
func (s *Server) WarmUnits(c *gin.Context) {
	summary, err := s.reconcile.ReconcileLive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "unit.warm", "unit", "", map[string]any{
		"units":  summary.Units,
		"warmed": summary.Warmed,
	})
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) RunScheduler(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "scheduler.run", "scheduler", "", nil)
	c.JSON(http.StatusOK, gin.H{"message": "scheduler pass completed"})
}

func (s *Server) bindCancel(c *gin.Context) (snowflake.ID, string, bool) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return 0, "", false
	}

	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return 0, "", false
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator_cancelled"
	}
	return id, reason, true
}

// recordAudit never fails the request; the operation already happened.
func (s *Server) recordAudit(c *gin.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeOperator,
		ActorID:    c.GetString(contextOperatorIDKey),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	})
	if err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
