// Package server exposes loom's health probes, Prometheus metrics and a
// read-only view of workflows and the dependency graph over HTTP, with
// graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/health"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Workflows is the read side of the engine the API serves.
type Workflows interface {
	Workflows(ctx context.Context) ([]string, error)
	Running() []string
	Status(ctx context.Context, workflowID string) (workflow.State, error)
}

// Graph is the read side of the dependency graph the API serves.
type Graph interface {
	Stats() graph.Stats
	Edges() []graph.Edge
}

// Server provides HTTP server functionality with health endpoints.
type Server struct {
	httpServer      *http.Server
	probes          *health.ProbeManager
	workflows       Workflows
	graph           Graph
	api             *openapi3.T
	shutdownTimeout time.Duration
	logger          *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080").
	Address string

	// ShutdownTimeout bounds connection draining. Defaults to 30 seconds.
	ShutdownTimeout time.Duration

	// ReadTimeout defaults to 10 seconds.
	ReadTimeout time.Duration

	// WriteTimeout defaults to 10 seconds.
	WriteTimeout time.Duration

	// IdleTimeout defaults to 60 seconds.
	IdleTimeout time.Duration
}

// NewServer creates a server. metrics may be nil to disable /metrics.
func NewServer(probes *health.ProbeManager, wf Workflows, g Graph, metrics http.Handler, cfg Config, logger *log.Logger) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		probes:          probes,
		workflows:       wf,
		graph:           g,
		api:             OpenAPI(),
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          log.OrDefault(logger).WithComponent("server"),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.routes(metrics),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", s.probe(s.probes.CheckLiveness, http.StatusOK))
	mux.HandleFunc("GET /health/ready", s.probe(s.probes.CheckReadiness, http.StatusServiceUnavailable))
	mux.HandleFunc("GET /health/startup", s.probe(s.probes.CheckStartup, http.StatusServiceUnavailable))
	mux.HandleFunc("GET /healthz", s.probe(s.probes.CheckReadiness, http.StatusServiceUnavailable))
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("GET /api/openapi.json", s.handleOpenAPI)
	return mux
}

// Start serves until the server is shut down. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.probes.MarkInitialized()
	s.logger.Info("listening", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown fails readiness, stops keep-alives and drains connections for up
// to the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.probes.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) probe(check func(context.Context) *health.ProbeResult, unhealthyStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := check(r.Context())
		status := http.StatusOK
		if result.Status == health.StatusUnhealthy {
			status = unhealthyStatus
		}
		s.writeJSON(w, status, result)
	}
}

type workflowList struct {
	Workflows []string `json:"workflows"`
	Running   []string `json:"running"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	ids, err := s.workflows.Workflows(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflowList{Workflows: ids, Running: s.workflows.Running()})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.workflows.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type graphView struct {
	Stats graph.Stats  `json:"stats"`
	Edges []graph.Edge `json:"edges"`
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, graphView{Stats: s.graph.Stats(), Edges: s.graph.Edges()})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api)
}

type errorBody struct {
	Code       string `json:"code,omitempty"`
	Error      string `json:"error"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var le *apperrors.LoomError
	if errors.As(err, &le) {
		body.Code = string(le.Code)
		body.Error = le.Message
		body.WorkflowID = le.WorkflowID
		switch le.Code {
		case apperrors.ErrCodeWorkflowNotFound, apperrors.ErrCodeCheckpointNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeCheckpointCorrupt:
			status = http.StatusUnprocessableEntity
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Warn("request failed")
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", fmt.Sprint(err))
	}
}
