package server

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/promosale/internal/authorization"
	obscontext "github.com/smallbiznis/promosale/internal/observability/context"
	"github.com/smallbiznis/promosale/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	// HeaderOperator carries the operator id set by the authenticating gateway.
	HeaderOperator        = "X-Operator-ID"
	contextOperatorIDKey  = "operator_id"
	rateLimitReasonBucket = "requester-rate"
)

// OperatorRequired resolves the calling operator. Authentication itself happens
// upstream; requests without the header never reach admin handlers.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := strings.TrimSpace(c.GetHeader(HeaderOperator))
		if operatorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextOperatorIDKey, operatorID)
		ctx := obscontext.WithActor(c.Request.Context(), "operator", operatorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := strings.TrimSpace(c.GetString(contextOperatorIDKey))
		if operatorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		actor := authorization.ActorOperatorPrefix + operatorID
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

type purchaseThrottleKey struct {
	RequesterID string `json:"requester_id"`
	LeaderID    string `json:"leader_id"`
	MemberID    string `json:"member_id"`
}

// PurchaseThrottle applies the per-requester token bucket before the handler
// touches stock. Bodies without a requester fall through to handler validation.
func (s *Server) PurchaseThrottle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		requesterID, err := readRequesterID(c)
		if err != nil {
			logger.FromContext(ctx).Warn("purchase throttle read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if requesterID == "" {
			c.Next()
			return
		}

		res, err := s.limiter.Allow(ctx, requesterID)
		if err != nil {
			logger.FromContext(ctx).Warn("purchase throttle check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Debug("purchase throttled",
				zap.String("endpoint", endpoint),
				zap.String("requester_id", requesterID),
			)
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonBucket)
			}
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonBucket)
			AbortWithError(c, ErrRateLimited)
			return
		}

		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		}
		c.Next()
	}
}

func readRequesterID(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload purchaseThrottleKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	for _, candidate := range []string{payload.RequesterID, payload.MemberID, payload.LeaderID} {
		if id := strings.TrimSpace(candidate); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
