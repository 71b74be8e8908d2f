// Package httpapi is the engine daemon's operational surface: tenant
// health reads, forced evaluation cycles, and the dispatcher's outcome
// callback.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"triage/internal/domain"
	"triage/internal/engine"
	"triage/internal/healer"
	"triage/internal/logging"
)

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

type Server struct {
	log        *logging.Logger
	eng        *engine.Engine
	ready      func(context.Context) error
	r          chi.Router
	adminToken string
}

// NewServer wires the API around a running engine. An empty admin token
// leaves /v1 open, which is only sensible for local memory-mode runs.
func NewServer(log *logging.Logger, eng *engine.Engine, ready func(context.Context) error, adminToken string) *Server {
	s := &Server{
		log:        log,
		eng:        eng,
		ready:      ready,
		r:          chi.NewRouter(),
		adminToken: strings.TrimSpace(adminToken),
	}
	if s.adminToken == "" {
		log.Warn("admin token not set, /v1 endpoints are unauthenticated")
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.Use(middleware.RequestID)
	s.r.Use(s.loggingMiddleware)
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", s.handleListTenants)
			r.Route("/{tenant}", func(r chi.Router) {
				r.Get("/score", s.handleScore)
				r.Get("/trend", s.handleTrend)
				r.Get("/breaker", s.handleBreaker)
				r.Post("/assess", s.handleAssess)
				r.Post("/heal", s.handleHeal)
				r.Delete("/attempt", s.handleCancelAttempt)
			})
		})
		r.Post("/attempts/{attemptID}/outcome", s.handleOutcome)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		logger := s.log.WithRequestID(reqID)
		ctx := logging.ContextWithLogger(r.Context(), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing API token", nil)
			return
		}
		if token != s.adminToken {
			writeError(w, http.StatusUnauthorized, "invalid API token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ready(ctx); err != nil {
		logging.FromContext(r.Context(), s.log).Error("readyz failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not ready", map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Tenants())
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.eng.LastScore(chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.TrendSnapshot(chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.BreakerState(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAssess runs one read-only scoring pass: nothing is persisted and
// no healing is dispatched.
func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	ev, err := s.eng.Assess(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleHeal forces a full evaluation cycle, dispatch included, outside
// the scheduler's cadence.
func (s *Server) handleHeal(w http.ResponseWriter, r *http.Request) {
	ev, err := s.eng.Evaluate(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if errs := req.Validate(); errs != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", errs)
		return
	}
	attempt, err := s.eng.HandleOutcome(r.Context(), chi.URLParam(r, "attemptID"), domain.Outcome(req.Outcome), req.Detail)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleCancelAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.eng.CancelAttempt(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownTenant):
		writeError(w, http.StatusNotFound, "tenant not found", nil)
	case errors.Is(err, engine.ErrNoScore):
		writeError(w, http.StatusNotFound, "tenant not evaluated yet", nil)
	case errors.Is(err, healer.ErrUnknownAttempt):
		writeError(w, http.StatusNotFound, "attempt not found", nil)
	case errors.Is(err, healer.ErrNoPendingAttempt):
		writeError(w, http.StatusNotFound, "no pending attempt", nil)
	default:
		logging.FromContext(r.Context(), s.log).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

type outcomeRequest struct {
	Outcome string `json:"outcome"`
	Detail  string `json:"detail"`
}

func (r outcomeRequest) Validate() map[string]string {
	switch domain.Outcome(strings.TrimSpace(r.Outcome)) {
	case domain.OutcomeSucceeded, domain.OutcomeFailed, domain.OutcomeTimedOut, domain.OutcomeCancelled:
		return nil
	case domain.OutcomePending, "":
		return map[string]string{"outcome": "must be a terminal outcome"}
	default:
		return map[string]string{"outcome": "unknown outcome"}
	}
}
