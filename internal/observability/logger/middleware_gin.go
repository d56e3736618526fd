package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/promosale/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier returns the error type and code logged for a failed request.
	ErrorClassifier func(err error) (string, string)
}

// routeClass groups routes by how loudly their outcomes are logged.
type routeClass int

const (
	routeDefault routeClass = iota
	// routePurchase answers buyers; 4xx there are denials, not faults.
	routePurchase
	// routeProbe is polled by infrastructure.
	routeProbe
)

var routeClasses = map[string]routeClass{
	"/api/reservations":      routePurchase,
	"/api/checkout":          routePurchase,
	"/api/groups":            routePurchase,
	"/api/groups/:code/join": routePurchase,
	"/metrics":               routeProbe,
	"/health":                routeProbe,
}

// GinMiddleware assigns a request id and logs one line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()

		var errorType, errorCode string
		lastErr := c.Errors.Last()
		if lastErr != nil && cfg.ErrorClassifier != nil {
			errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
		}

		ce := FromContext(c.Request.Context()).Check(requestLevel(routeClasses[route], status, errorType), "http.request")
		if ce == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if lastErr != nil {
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}
		ce.Write(fields...)
	}
}

func requestLevel(class routeClass, status int, errorType string) zapcore.Level {
	switch {
	case class == routeProbe && status < http.StatusInternalServerError:
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case class == routePurchase && status >= http.StatusBadRequest && errorType != "validation_error":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// requestIDFor reuses an upstream request id when the gateway sent one.
func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}
