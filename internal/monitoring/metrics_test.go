package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RecordUploads(2, 1, 100)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.UploadedFiles))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.UploadedFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RejectedFiles))
	assert.Equal(t, 100.0, testutil.ToFloat64(a.UploadedBytes))
}

func TestTimerAndSevenZipGauge(t *testing.T) {
	m := New()
	NewTimer(m, "remove").Stop("ok")
	NewTimer(m, "remove").Stop("not_found")
	m.RecordExtract(3)
	m.SetSevenZip(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("remove", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("remove", "not_found")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExtractedFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SevenZipAvailable))

	m.SetSevenZip(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SevenZipAvailable))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/fs/*path", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	for _, p := range []string{"/fs/a", "/fs/b/c", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/fs/*path", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "filebay_http_requests_total")
	assert.Contains(t, string(body), "filebay_uptime_seconds")
	assert.Contains(t, string(body), "go_goroutines")
}
