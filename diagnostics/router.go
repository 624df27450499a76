// Package diagnostics provides the read-only HTTP surface used to observe
// a running engine: liveness, broker connection state, and reconciler
// metrics. It exposes no mutating routes and requires no authentication.
package diagnostics

import (
	"net/http"
	"time"

	"github.com/alexherrero/sherwood/broker"
	"github.com/alexherrero/sherwood/config"
	"github.com/alexherrero/sherwood/reconcile"
	"github.com/alexherrero/sherwood/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// NewRouter builds the diagnostics HTTP router. adapter, pending and exit
// may be nil; the handlers degrade gracefully when they are.
func NewRouter(cfg *config.Config, adapter broker.Adapter, pending *reconcile.PendingOrderReconciler, exit *reconcile.ExitOrderReconciler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(TraceMiddleware)
	r.Use(middleware.RealIP)
	r.Use(zerologLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Global: 100 requests per minute per IP.
	r.Use(httprate.LimitByIP(100, 1*time.Minute))
	// Burst protection: 20 requests per second per IP.
	r.Use(httprate.LimitByIP(20, 1*time.Second))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, 1048576)
			next.ServeHTTP(w, r)
		})
	})

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(newCORSMiddleware(cfg))

	h := NewHandler(cfg, adapter, pending, exit)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "sherwood",
			"status":  "running",
		})
	})
	r.Get("/healthz", h.HealthHandler)
	r.Get("/status", h.StatusHandler)

	return r
}

// zerologLogger logs each request using zerolog, including the trace_id
// from context for correlation with engine logs.
func zerologLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := tracing.Logger(r.Context())
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// newCORSMiddleware allows cross-origin reads from cfg.AllowedOrigins.
func newCORSMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range cfg.AllowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				if allowed {
					w.WriteHeader(http.StatusOK)
				} else {
					w.WriteHeader(http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
