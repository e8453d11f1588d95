package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func doRequest(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	return w
}

func TestMemoryStoreEnforcesLimit(t *testing.T) {
	l, err := New(3, time.Minute, nil)
	require.NoError(t, err)
	r := newRouter(l)

	for i := 0; i < 3; i++ {
		w := doRequest(r)
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}

	w := doRequest(r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRedisStoreEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	l, err := New(2, time.Minute, rc)
	require.NoError(t, err)
	r := newRouter(l)

	assert.Equal(t, http.StatusOK, doRequest(r).Code)
	assert.Equal(t, http.StatusOK, doRequest(r).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r).Code)
}

func TestHeadersReportRemaining(t *testing.T) {
	l, err := New(5, time.Minute, nil)
	require.NoError(t, err)
	r := newRouter(l)

	w := doRequest(r)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestFailOpenOnStoreError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	l, err := New(1, time.Minute, rc)
	require.NoError(t, err)
	r := newRouter(l)

	// Kill the backend: requests must still be served.
	mr.Close()
	assert.Equal(t, http.StatusOK, doRequest(r).Code)
}
