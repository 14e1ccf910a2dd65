// Package httpapi exposes the verification service over HTTP: single and
// bulk validation, the metrics snapshot, the runtime rate-limit
// configuration, and async bulk job lookup. All responses are JSON.
// Protocol-level 4xx is reserved for request-shape problems and rate
// limiting; verification failures travel inside a 200 result record.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/optimode/verifyd"
	"github.com/optimode/verifyd/internal/jobstore"
	"github.com/optimode/verifyd/internal/metrics"
	"github.com/optimode/verifyd/internal/ratelimit"
)

// defaultInlineThreshold is the largest bulk request verified within the
// request; anything bigger becomes an async job when a job store is
// configured.
const defaultInlineThreshold = 50

// Verifier is the verification surface the handlers need.
type Verifier interface {
	Verify(ctx context.Context, email string) verifyd.Result
	VerifyBulk(ctx context.Context, emails []string) ([]verifyd.Result, error)
}

// Config assembles a Server. Verifier and Limiter are required; the rest
// degrade gracefully when nil.
type Config struct {
	Verifier Verifier
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Tracker

	// Jobs enables the async bulk path. Nil verifies every bulk request
	// inline.
	Jobs *jobstore.Store

	// InlineThreshold is the largest bulk request handled synchronously.
	// Default: 50.
	InlineThreshold int

	// Registry, when set, mounts the Prometheus scrape endpoint at
	// /metrics.
	Registry *prometheus.Registry

	Logger *zap.Logger
}

// Server is the HTTP boundary. It is an http.Handler.
type Server struct {
	cfg    Config
	log    *zap.Logger
	router chi.Router
}

// New builds the router and returns the server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}

	s := &Server{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:     []string{"*"},
		OptionsPassthrough: true,
	}))
	// cors has set the preflight headers; answer 204 ourselves.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.With(s.rateLimit).Post("/validate-email", s.handleValidateEmail)
		r.With(s.rateLimit).Post("/validate-emails", s.handleValidateEmails)
		r.Get("/validate-emails/batch/{jobID}", s.handleJobStatus)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/rate-limit-config", s.handleGetRateLimitConfig)
		r.Post("/rate-limit-config", s.handleSetRateLimitConfig)
	})

	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request with the wrapped status code.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", clientID(r)))
	})
}

// rateLimit gates verification endpoints and stamps the X-RateLimit-*
// headers on every response, allowed or not.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.cfg.Limiter.Check(clientID(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetUnix, 10))
		if !d.Allowed {
			writeJSON(w, http.StatusTooManyRequests, errBody{Message: "Rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID identifies the caller for rate limiting: the remote IP, with
// X-Forwarded-For already folded in by middleware.RealIP.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
