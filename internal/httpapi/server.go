// Package httpapi is the HTTP API Surface (component I): a gorilla/mux
// router mapping REST endpoints onto the Aggregator, plus health and
// metrics.
//
// Grounded on the teacher's internal/interfaces/http.Server: a similar
// middleware chain (here request ID, metrics, logging, timeout, CORS, then
// JSON content type and the edge rate limit on the API routes) and the
// same bind-then-listen startup shape. The teacher logs via
// plain log.Printf in this one file; this repo logs via zerolog throughout
// instead, since mixing stdlib log with zerolog elsewhere in the codebase
// would be inconsistent with the ambient stack.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/marketgw/gateway/internal/aggregate"
	"github.com/marketgw/gateway/internal/metrics"
	"github.com/marketgw/gateway/internal/ratelimit"
	"github.com/marketgw/gateway/internal/registry"
	"github.com/marketgw/gateway/internal/streamhub"
)

// Config parameterizes the HTTP server.
type Config struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	EdgeRateLimit float64 // requests/second allowed per client IP
	EdgeRateBurst int
}

// DefaultConfig returns the server config, reading HTTP_PORT from the
// environment.
func DefaultConfig() Config {
	port := 8080
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	return Config{
		Host: "0.0.0.0", Port: port,
		ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second,
		EdgeRateLimit: 20, EdgeRateBurst: 40,
	}
}

// Server is the gateway's HTTP API surface.
type Server struct {
	router  *mux.Router
	server  *http.Server
	cfg     Config
	metrics *metrics.Registry
}

// New builds a Server wired to agg (strict mode for single-resource
// endpoints), overviewAgg (used only by /overview, whose sub-calls run
// strict whatever overviewAgg's mode), reg (for /health), promReg (for
// /metrics), and hub (for /stream).
func New(cfg Config, agg *aggregate.Aggregator, overviewAgg *aggregate.Aggregator,
	reg *registry.Registry, promReg *prometheus.Registry, m *metrics.Registry, hub *streamhub.Hub) *Server {

	router := mux.NewRouter()
	s := &Server{router: router, cfg: cfg, metrics: m}

	router.Use(requestIDMiddleware)
	router.Use(s.metricsMiddleware)
	router.Use(loggingMiddleware)
	router.Use(timeoutMiddleware)
	router.Use(corsMiddleware)

	h := &handlers{agg: agg, overviewAgg: overviewAgg}

	limiter := newEdgeLimiter(cfg.EdgeRateLimit, cfg.EdgeRateBurst, m)

	api := router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.Use(limiter.middleware)

	api.HandleFunc("/health", newHealthHandler(reg)).Methods("GET")
	api.HandleFunc("/fear-greed", h.fearGreed).Methods("GET")
	api.HandleFunc("/market/listings", h.marketListings).Methods("GET")
	api.HandleFunc("/market/quotes", h.marketQuotes).Methods("GET")
	api.HandleFunc("/market/historical", h.marketHistorical).Methods("GET")
	api.HandleFunc("/news", h.news).Methods("GET")
	api.HandleFunc("/whales", h.whales).Methods("GET")
	api.HandleFunc("/explorer", h.explorer).Methods("GET")
	api.HandleFunc("/overview", h.overview).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/stream", hub.ServeHTTP).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(notFound)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr: addr, Handler: router,
		ReadTimeout: cfg.ReadTimeout, WriteTimeout: cfg.WriteTimeout, IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

// Start binds the listen address and serves until Shutdown is called.
func (s *Server) Start() error {
	addr := s.server.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: bind %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("http api listening")
	return s.server.Serve(ln)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http api shutting down")
	return s.server.Shutdown(ctx)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		log.Info().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).Dur("duration", time.Since(start)).Msg("http request")
	})
}

// metricsMiddleware records every inbound request's route, status, and
// latency to the registry built in main.go. A nil registry (tests that
// never wire one) is a silent no-op.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		path := routeTemplate(r)
		s.metrics.EdgeRequestsTotal.WithLabelValues(path, strconv.Itoa(wrapper.statusCode)).Inc()
		s.metrics.EdgeLatencyMS.WithLabelValues(path).Observe(float64(time.Since(start).Milliseconds()))
	})
}

// routeTemplate returns the matched mux route's path template (e.g.
// "/market/quotes") rather than the raw URL, so metrics don't explode one
// label series per distinct query string.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"error":"not_found","message":"no route for %s %s"}`, r.Method, r.URL.Path)
}
