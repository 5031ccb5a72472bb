// Package api exposes the intake service over HTTP.
//
// Endpoints:
//
//	POST /api/tasks                          create a task
//	GET  /api/tasks                          list tasks
//	GET  /api/tasks/sorted                   list tasks, latest scheduledAt first
//	GET  /api/tasks/{id}                     fetch one task
//	GET  /api/tasks/search/timerange         tasks created in [startDate, endDate]
//	POST /api/tasks/{id}/cancel              cancel a task
//	POST /api/tasks/{id}/result              report an execution outcome
//	POST /api/tasks/scheduler/trigger-daily  run today's bucket scan now
//	GET  /api/streams                        bus depths, or ?stream= to peek at one
//	GET  /health                             liveness with a Redis ping
//	GET  /metrics                            Prometheus exposition
//
// Every /api route requires the X-API-Key header when a key is configured.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guido-cesarano/taskscheduler/pkg/intake"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/outcome"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Options configures the HTTP surface.
type Options struct {
	// APIKey enables X-API-Key authentication when set.
	APIKey         string
	AllowedOrigins []string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	svc *intake.Service
	log zerolog.Logger
}

// NewServer returns the HTTP handler for the service.
func NewServer(svc *intake.Service, opts Options) http.Handler {
	s := &Server{svc: svc, log: logger.Component("api")}

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(opts.APIKey))

		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/sorted", s.listTasks)
		r.Get("/tasks/search/timerange", s.searchTasks)
		r.Post("/tasks/scheduler/trigger-daily", s.triggerScan)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Post("/tasks/{id}/result", s.reportResult)
		r.Get("/streams", s.streams)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "X-API-Key"},
	})
	return c.Handler(r)
}

// authMiddleware enforces API key authentication. An empty key disables it.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListSorted(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) searchTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTime(q.Get("startDate"))
	if err != nil {
		http.Error(w, "invalid startDate: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseTime(q.Get("endDate"))
	if err != nil {
		http.Error(w, "invalid endDate: "+err.Error(), http.StatusBadRequest)
		return
	}

	list, err := s.svc.Search(r.Context(), start, end, tasks.Priority(q.Get("priority")), q.Get("tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// parseTime accepts RFC 3339 or epoch milliseconds.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("required")
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reportResult(w http.ResponseWriter, r *http.Request) {
	var rep outcome.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rep.ID = chi.URLParam(r, "id")
	if err := s.svc.ReportOutcome(r.Context(), rep); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.TriggerScan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Daily task scan executed",
		"summary": sum,
	})
}

func (s *Server) streams(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("stream")
	if name == "" {
		writeJSON(w, http.StatusOK, s.svc.Depths(r.Context()))
		return
	}

	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := s.svc.Inspect(r.Context(), name, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidTransition), errors.Is(err, tasks.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, tasks.ErrTransient), errors.Is(err, intake.ErrScanUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
