package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"sentinelops/internal/config"
)

// apiHeaders are set on every response. The API serves JSON only, so the
// policy forbids all active content.
var apiHeaders = map[string]string{
	"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
	"X-Content-Type-Options":       "nosniff",
	"Referrer-Policy":              "no-referrer",
	"Cross-Origin-Resource-Policy": "same-origin",
	"Cache-Control":                "no-store",
}

// SecurityHeaders returns a middleware that sets security headers.
func SecurityHeaders(cfg config.SecurityHeadersConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		logger.Info("security headers middleware disabled")
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	headers := make(map[string]string, len(apiHeaders)+len(cfg.CustomHeaders)+2)
	for k, v := range apiHeaders {
		headers[k] = v
	}
	if cfg.HSTSMaxAge > 0 {
		headers["Strict-Transport-Security"] = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
	}
	if cfg.FrameOptions != "" {
		headers["X-Frame-Options"] = cfg.FrameOptions
	}
	for k, v := range cfg.CustomHeaders {
		headers[k] = v
	}

	logger.Info("security headers middleware initialized",
		"hsts_max_age", cfg.HSTSMaxAge,
		"frame_options", cfg.FrameOptions)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain applies middlewares so the first one listed runs outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
