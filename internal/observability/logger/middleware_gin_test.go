package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		name      string
		class     routeClass
		status    int
		errorType string
		want      zapcore.Level
	}{
		{name: "sold out is quiet", class: routePurchase, status: http.StatusConflict, errorType: "conflict", want: zapcore.DebugLevel},
		{name: "bad purchase payload", class: routePurchase, status: http.StatusBadRequest, errorType: "validation_error", want: zapcore.InfoLevel},
		{name: "purchase outage", class: routePurchase, status: http.StatusServiceUnavailable, want: zapcore.ErrorLevel},
		{name: "probe", class: routeProbe, status: http.StatusOK, want: zapcore.DebugLevel},
		{name: "failing probe", class: routeProbe, status: http.StatusServiceUnavailable, want: zapcore.ErrorLevel},
		{name: "admin not found", class: routeDefault, status: http.StatusNotFound, want: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requestLevel(tt.class, tt.status, tt.errorType))
		})
	}
}

func TestGinMiddlewareEchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}
