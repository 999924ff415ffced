package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"campushub/internal/engine"
	"campushub/internal/notify"
	"campushub/internal/presence"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

const (
	healthTimeout  = 5 * time.Second
	maxRequestBody = 1 << 20
)

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins []string
}

// Server is the REST surface over the engine and the notification service.
// It holds no business logic: handlers translate HTTP to engine calls and
// engine errors back to status codes.
type Server struct {
	engine   *engine.Engine
	notify   *notify.Service
	store    interfaces.Store
	presence *presence.Registry
	ws       http.Handler
	router   chi.Router
	logger   zerolog.Logger
}

// NewServer wires the routes. ws serves the websocket upgrade on /ws.
func NewServer(eng *engine.Engine, notifications *notify.Service, store interfaces.Store, ws http.Handler, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		engine:   eng,
		notify:   notifications,
		store:    store,
		presence: eng.Presence(),
		ws:       ws,
		router:   chi.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.router
	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-ID", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/communities/{communityID}", func(r chi.Router) {
			r.Get("/messages", s.communityHistory)
			r.Put("/read", s.communityMarkRead)
			r.Get("/unread", s.communityUnread)
			r.Post("/messages/delete", s.communityDelete)
		})

		r.Route("/direct/{peerID}", func(r chi.Router) {
			r.Get("/messages", s.directHistory)
			r.Put("/read", s.directMarkRead)
			r.Get("/unread", s.directUnread)
			r.Post("/messages/delete", s.directDelete)
		})

		r.Delete("/messages/{messageID}", s.deleteMessage)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.listNotifications)
			r.Get("/unread-count", s.notificationUnreadCount)
			r.Put("/read-all", s.markAllNotificationsRead)
			r.Put("/{notificationID}/read", s.markNotificationRead)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/", s.createNotification)
				r.Post("/broadcast", s.broadcastNotification)
			})
		})

		r.Get("/presence", s.presenceSnapshot)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Database  string         `json:"database"`
	Presence  presence.Stats `json:"presence"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// healthCheck reports 503 when the store cannot be reached.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Presence:  s.presence.Stats(),
	}

	status := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		response.Status = "unhealthy"
		response.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch types.ErrorCode(err) {
	case "validation_failure":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "rate_limited":
		return http.StatusTooManyRequests
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as an ErrorResponse. Storage and internal failures
// are logged and reported without their cause.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	message := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request failed")
		message = "the service is temporarily unavailable, please retry"
	}

	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Reason:  types.ErrorCode(err),
		Message: message,
	})
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body too large", types.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body", types.ErrValidation)
	}
	return nil
}
