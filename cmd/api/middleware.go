package main

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/rs/cors"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/internal/config"
)

// withMiddleware wraps the router with security headers, CORS and the
// per-client rate limit for /api/ routes
// セキュリティヘッダー・CORS・レート制限を適用
func withMiddleware(next http.Handler, cfg config.APIConfig, logger *zap.Logger) http.Handler {
	handler := next
	if cfg.RateLimit > 0 {
		limited := httprate.Limit(cfg.RateLimit, time.Minute, httprate.WithKeyFuncs(clientKey))(next)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
		logger.Info("レート制限を有効化しました", zap.Int("requests_per_minute", cfg.RateLimit))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID"},
	})

	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	})

	return sec.Handler(c.Handler(handler))
}

// clientKey limits per user when X-User-ID is present, otherwise per IP
func clientKey(r *http.Request) (string, error) {
	if user := strings.TrimSpace(r.Header.Get("X-User-ID")); user != "" {
		return "user:" + user, nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr, nil
	}
	return "ip:" + host, nil
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
