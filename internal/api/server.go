// Package api exposes the REST surface of the extraction engine: campaign
// CRUD and lifecycle actions, the geonames catalog proxy, health and metrics
// probes, and the WebSocket stream mount.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/geonames"
	"github.com/placehunter/extraction-engine/internal/metrics"
)

const (
	apiTimeout  = 60 * time.Second
	pingTimeout = 2 * time.Second
)

// CampaignService is the slice of the campaign service the REST layer serves.
type CampaignService interface {
	Create(ctx context.Context, cfg extraction.CampaignConfig) (*extraction.Campaign, error)
	Get(ctx context.Context, id string) (*extraction.Campaign, error)
	List(ctx context.Context, f extraction.CampaignFilter) ([]*extraction.Campaign, error)
	TasksOf(ctx context.Context, id string) ([]*extraction.PlaceExtractionTask, error)
	PlacesOf(ctx context.Context, id string) ([]*extraction.ExtractedPlace, error)
	Start(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Archive(ctx context.Context, id string) error
}

// Pinger reports storage reachability for the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the campaign service and geonames catalog.
type Server struct {
	router  chi.Router
	service CampaignService
	catalog geonames.Catalog
	store   Pinger
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The stream
// handler, when non-nil, is mounted at /ws/extraction/stream outside the
// request timeout so upgrades can hold the connection.
func NewServer(
	service CampaignService,
	catalog geonames.Catalog,
	store Pinger,
	stream http.Handler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		catalog: catalog,
		store:   store,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	// http.TimeoutHandler cannot serve upgrades, so only the REST routes
	// pass through the timed and metered group.
	r.Group(func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(timeoutMiddleware(apiTimeout))

		r.Get("/api/health", s.health)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Route("/api/geonames", func(r chi.Router) {
			r.Get("/countries", s.listCountries)
			r.Get("/countries/{country_code}/regions", s.listRegions)
			r.Get("/countries/{country_code}/provinces", s.listProvinces)
			r.Get("/countries/{country_code}/cities", s.listCities)
		})

		r.Route("/api/campaigns", func(r chi.Router) {
			r.Post("/", s.createCampaign)
			r.Get("/", s.listCampaigns)
			r.Route("/{campaign_id}", func(r chi.Router) {
				r.Get("/", s.getCampaign)
				r.Get("/places", s.listPlaces)
				r.Get("/tasks", s.listTasks)
				r.Post("/start", s.startCampaign)
				r.Post("/resume", s.resumeCampaign)
				r.Post("/archive", s.archiveCampaign)
			})
		})
	})

	if stream != nil {
		r.Get("/ws/extraction/stream", stream.ServeHTTP)
	}

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("storage ping failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the error shape every REST failure returns.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, detail string) {
	s.writeJSON(w, status, errorBody{Detail: detail, Code: code})
}

// domainError maps service failures onto the stable REST error codes.
func (s *Server) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extraction.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, extraction.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, extraction.ErrValidation):
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"detail":"internal server error","code":"internal"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
