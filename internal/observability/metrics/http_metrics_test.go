package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{Environment: "test"})

	router := gin.New()
	router.Use(m.GinMiddleware())
	router.GET("/api/units/:id/stock", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/units/9/stock", nil))

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("GET", "/api/units/:id/stock", "204")))
}
