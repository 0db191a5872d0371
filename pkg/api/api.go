package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/service"
	"github.com/cuemby/keymaster/pkg/types"
)

// Server exposes the keymaster service over HTTP.
type Server struct {
	svc    *service.Service
	logger zerolog.Logger
}

// NewServer creates an HTTP server over svc.
func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc, logger: log.WithComponent("api")}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/domains/{domain}", func(r chi.Router) {
			r.Get("/jwks", s.handleJwks)
			r.Post("/sign", s.handleSign)
			r.Post("/rotate", s.handleRotateDomain)
			r.Post("/setup", s.handleSetup)
			r.Get("/policy", s.handleGetPolicy)
			r.Post("/policy/enable", s.handleEnablePolicy)
			r.Post("/policy/disable", s.handleDisablePolicy)
		})
		r.Post("/rotate", s.handleRotateAll)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/config/scheduler", s.handleGetScheduler)
		r.Put("/config/scheduler", s.handlePutScheduler)
	})

	return r
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case types.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ready(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleJwks(w http.ResponseWriter, r *http.Request) {
	set, err := s.svc.GetJwks(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, set)
}

type signRequest struct {
	Claims map[string]any `json:"claims"`
}

type signResponse struct {
	Token string `json:"token"`
	Kid   string `json:"kid"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, types.NewValidationError("body", "malformed JSON: %v", err))
		return
	}

	token, kid, err := s.svc.Sign(r.Context(), chi.URLParam(r, "domain"), req.Claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, signResponse{Token: token, Kid: kid})
}

// resultStatus maps a rotation outcome to an HTTP status. Skips are not
// errors; a failed rotation is a server-side fault.
func resultStatus(res types.RotationResult) int {
	if res.Outcome == types.OutcomeFailed {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (s *Server) handleRotateDomain(w http.ResponseWriter, r *http.Request) {
	res := s.svc.RotateDomain(r.Context(), chi.URLParam(r, "domain"))
	s.writeJSON(w, resultStatus(res), res)
}

type setupRequest struct {
	IntervalDays int `json:"intervalDays"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, types.NewValidationError("body", "malformed JSON: %v", err))
			return
		}
	}

	res := s.svc.InitialSetupDomain(r.Context(), chi.URLParam(r, "domain"), req.IntervalDays)
	if res.Outcome == types.OutcomeFailed && types.IsValidation(res.Err) {
		s.writeError(w, r, res.Err)
		return
	}
	s.writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.svc.GetPolicy(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleEnablePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.EnablePolicy(chi.URLParam(r, "domain")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleDisablePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DisablePolicy(chi.URLParam(r, "domain")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleRotateAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.RotateDueDomains(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.CleanupExpiredKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type schedulerConfig struct {
	RetryIntervalSeconds *int `json:"retryIntervalSeconds,omitempty"`
	MaxRetries           *int `json:"maxRetries,omitempty"`
}

func (s *Server) handleGetScheduler(w http.ResponseWriter, _ *http.Request) {
	interval, retries := s.svc.SchedulerSettings()
	seconds := int(interval.Seconds())
	s.writeJSON(w, http.StatusOK, schedulerConfig{
		RetryIntervalSeconds: &seconds,
		MaxRetries:           &retries,
	})
}

func (s *Server) handlePutScheduler(w http.ResponseWriter, r *http.Request) {
	var req schedulerConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, types.NewValidationError("body", "malformed JSON: %v", err))
		return
	}

	var interval *time.Duration
	if req.RetryIntervalSeconds != nil {
		d := time.Duration(*req.RetryIntervalSeconds) * time.Second
		interval = &d
	}
	if err := s.svc.ConfigureScheduler(interval, req.MaxRetries); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetScheduler(w, r)
}
