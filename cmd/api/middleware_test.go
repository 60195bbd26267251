package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/internal/config"
)

func middlewareRouter(t *testing.T, rateLimit int) http.Handler {
	t.Helper()
	api := newTestAPI(t)
	cfg := config.Default().API
	cfg.RateLimit = rateLimit
	return withMiddleware(api.router, cfg, zap.NewNop())
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SecurityHeaders(t *testing.T) {
	h := middlewareRouter(t, 0)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	h := middlewareRouter(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/transfers", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(h, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_RateLimitPerUser(t *testing.T) {
	h := middlewareRouter(t, 2)

	get := func(path, user string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-User-ID", user)
		return serve(h, req).Code
	}

	path := "/api/v1/stock/1/10/available"
	assert.Equal(t, http.StatusOK, get(path, "alice"))
	assert.Equal(t, http.StatusOK, get(path, "alice"))
	assert.Equal(t, http.StatusTooManyRequests, get(path, "alice"))

	// 別ユーザーとヘルスチェックは制限対象外
	assert.Equal(t, http.StatusOK, get(path, "bob"))
	assert.Equal(t, http.StatusOK, get("/health", "alice"))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"

	key, err := clientKey(req)
	assert.NoError(t, err)
	assert.Equal(t, "ip:10.0.0.7", key)

	req.Header.Set("X-User-ID", "carol")
	key, err = clientKey(req)
	assert.NoError(t, err)
	assert.Equal(t, "user:carol", key)
}
