package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllowList(t *testing.T) {
	l, err := ParseAllowList([]string{"127.0.0.1", "::1", " 10.1.0.0/16 ", ""})
	require.NoError(t, err)
	assert.False(t, l.AllowsAll())

	tests := map[string]bool{
		"127.0.0.1":        true,
		"::1":              true,
		"::ffff:127.0.0.1": true,
		"10.1.200.3":       true,
		"10.2.0.1":         false,
		"192.168.1.10":     false,
		"fe80::1%eth0":     false,
		"not-an-ip":        false,
		"":                 false,
	}
	for ip, want := range tests {
		assert.Equal(t, want, l.Allowed(ip), ip)
	}
}

func TestParseAllowListWildcard(t *testing.T) {
	l, err := ParseAllowList([]string{"*"})
	require.NoError(t, err)
	assert.True(t, l.AllowsAll())
	assert.True(t, l.Allowed("203.0.113.9"))
	assert.True(t, l.Allowed("garbage"))
}

func TestParseAllowListErrors(t *testing.T) {
	for _, in := range [][]string{nil, {""}, {"300.1.1.1"}, {"10.0.0.0/99"}, {"localhost"}} {
		_, err := ParseAllowList(in)
		assert.Error(t, err, "%v", in)
	}
}

func newRouter(t *testing.T, entries []string, trusted []string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, err := ParseAllowList(entries)
	require.NoError(t, err)
	r := gin.New()
	require.NoError(t, r.SetTrustedProxies(trusted))
	r.Use(Middleware(l, nil))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestMiddleware(t *testing.T) {
	r := newRouter(t, []string{"127.0.0.1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"status":"error","message":"Access denied"}`, w.Body.String())
}

func TestMiddlewareIgnoresSpoofedForwardedFor(t *testing.T) {
	r := newRouter(t, []string{"127.0.0.1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewareTrustedProxy(t *testing.T) {
	r := newRouter(t, []string{"10.0.0.0/8"}, []string{"192.0.2.1"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:443"
	req.Header.Set("X-Forwarded-For", "10.4.4.4")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
