package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"assessment-runner/internal/config"
	"assessment-runner/internal/lock"
	"assessment-runner/internal/models"
	"assessment-runner/internal/pipeline"
	"assessment-runner/internal/ratelimit"
	"assessment-runner/internal/telemetry"
)

type Starter interface {
	Start(ctx context.Context, params models.RunParams) (string, error)
	Cancel(ctx context.Context, function string) (int, error)
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context) (int64, error)
}

type Exporter interface {
	AssignmentXLSX(ctx context.Context, assignmentID string) ([]byte, error)
}

type Auditor interface {
	RecentAudit(ctx context.Context, limit int) ([]models.RunAudit, error)
}

// Deps are the collaborators behind the HTTP surface. Exporter and Auditor may be nil.
type Deps struct {
	Starter  Starter
	Scope    pipeline.Scope
	Cache    CacheInvalidator
	Exporter Exporter
	Auditor  Auditor
	Limiter  *ratelimit.TokenBucket
}

// Server wires HTTP handlers for starting and watching assessment runs.
type Server struct {
	cfg config.Config
	Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, Deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/runs", s.handleStart)
	r.Get("/runs/status", s.handleStatus)
	r.Post("/runs/cancel", s.handleCancel)
	r.Get("/runs/audit", s.handleAudit)
	r.Post("/cache/invalidate", s.handleInvalidate)
	r.Get("/assignments/{id}/export", s.handleExport)
	return r
}

type startRequest struct {
	AssignmentID string `json:"assignment_id"`
	ReferenceID  string `json:"reference_id"`
	EmptyID      string `json:"empty_id"`
	DocumentID   string `json:"document_id"`
}

type startResponse struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	doc := s.document(req.DocumentID)

	if s.Limiter != nil {
		allowed, _, err := s.Limiter.Allow(r.Context(), fmt.Sprintf("rl:runs:%s", doc))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobID, err := s.Starter.Start(r.Context(), models.RunParams{
		AssignmentID: req.AssignmentID,
		ReferenceID:  req.ReferenceID,
		EmptyID:      req.EmptyID,
		DocumentID:   doc,
	})
	if err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if errors.Is(err, lock.ErrAlreadyRunning) {
			http.Error(w, pipeline.AlreadyRunningMessage, http.StatusConflict)
			return
		}
		http.Error(w, "failed to schedule run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{JobID: jobID, DocumentID: doc})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := s.document(r.URL.Query().Get("document_id"))
	rec, err := s.Scope.Progress(doc).Read(r.Context())
	if err != nil {
		http.Error(w, "failed to read progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Function   string `json:"function"`
	DocumentID string `json:"document_id"`
}

// handleCancel drops pending runs. An empty body cancels the default document's run.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	function := req.Function
	if function == "" {
		function = pipeline.RunFunctionFor(s.document(req.DocumentID))
	}
	n, err := s.Starter.Cancel(r.Context(), function)
	if err != nil {
		http.Error(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"function": function, "cancelled": n})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.Auditor == nil {
		http.Error(w, "audit log not available", http.StatusNotImplemented)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Auditor.RecentAudit(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	gen, err := s.Cache.Invalidate(r.Context())
	if err != nil {
		http.Error(w, "failed to invalidate cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"generation": gen})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.Exporter == nil {
		http.Error(w, "export not available", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	raw, err := s.Exporter.AssignmentXLSX(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="assessments-%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) document(id string) string {
	if id != "" {
		return id
	}
	return s.cfg.DocumentID
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
