// Package httpapi exposes the integration operations over HTTP. Caller
// identity comes from the X-User-ID header set by the upstream auth layer.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/service"
)

const userHeader = "X-User-ID"

// Integrations is implemented by service.IntegrationService.
type Integrations interface {
	Connect(ctx context.Context, uid string, provider models.Provider, req service.ConnectRequest) error
	Status(ctx context.Context, uid string, provider models.Provider) (*service.Status, error)
	SyncNow(ctx context.Context, uid string, provider models.Provider) (int, error)
	SetMirror(ctx context.Context, uid string, provider models.Provider, enabled bool, calendarID string) (*service.MirrorResult, error)
	Disconnect(ctx context.Context, uid string, provider models.Provider) error
}

// Pinger reports database health (database.DB).
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	integrations Integrations
	db           Pinger
	log          *zap.Logger
}

func New(integrations Integrations, db Pinger) *Server {
	return &Server{integrations: integrations, db: db, log: logger.Named("httpapi")}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/integrations/{provider}", func(r chi.Router) {
		r.Use(requireUser)
		r.Use(requireProvider)
		r.Post("/connect", s.connect)
		r.Get("/status", s.status)
		r.Post("/sync", s.syncNow)
		r.Post("/mirror", s.mirror)
		r.Post("/disconnect", s.disconnect)
	})
	return r
}

// NewHTTPServer wraps the router with the timeouts used in production.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// a sync pass may take up to the pass timeout
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			s.log.Warn("health check failed", logger.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const (
	userKey ctxKey = iota
	providerKey
)

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(userHeader)
		if uid == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, uid)))
	})
}

func requireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := models.Provider(chi.URLParam(r, "provider"))
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_provider", "unknown provider "+strconv.Quote(string(p)))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), providerKey, p)))
	})
}

func userOf(r *http.Request) string {
	uid, _ := r.Context().Value(userKey).(string)
	return uid
}

func providerOf(r *http.Request) models.Provider {
	p, _ := r.Context().Value(providerKey).(models.Provider)
	return p
}

// instrument records request counts and latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
