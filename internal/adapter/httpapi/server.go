// Package httpapi exposes job submission and inspection over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aivis/internal/domain"
	"aivis/internal/infra/config"
	"aivis/internal/infra/middleware"
	"aivis/internal/usecase/job"
	"aivis/internal/usecase/limiter"
	"aivis/internal/usecase/scheduling"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// Submitter queues a job and returns its id. *job.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (string, error)
}

// Deps are the collaborators the API reads from. Schedules may be nil.
type Deps struct {
	Jobs      Submitter
	Store     domain.JobStore
	Limiter   interface{ Status() limiter.Status }
	Agents    int
	Schedules interface{ Entries() []scheduling.Entry }
}

// Server serves the job API.
type Server struct {
	deps    Deps
	cfg     config.ServerConfig
	logger  *slog.Logger
	start   time.Time
	metrics *Metrics

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// New creates a server; call Start to listen.
func New(deps Deps, cfg config.ServerConfig, logger *slog.Logger) *Server {
	return &Server{deps: deps, cfg: cfg, logger: logger, start: time.Now(), metrics: NewMetrics(deps.Limiter)}
}

// Handler returns the API with its middleware chain applied. ctx bounds the
// rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/jobs", s.handleList)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	limited := middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.RequestsPerMin,
		BurstSize:      s.cfg.Burst,
		TrustedProxies: s.cfg.TrustedProxies,
	})(s.metrics.Middleware(mux))
	return otelhttp.NewHandler(middleware.Logging(s.logger)(middleware.SecurityHeaders(limited)), "aivis.api")
}

// Start listens on the configured address. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("job api started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string { return s.boundAddr }

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type submitRequest struct {
	TenantID     string            `json:"tenant_id"`
	TargetDomain string            `json:"target_domain"`
	Options      map[string]string `json:"options,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.TargetDomain == "" {
		s.metrics.RecordSubmit(false)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "target_domain is required"})
		return
	}

	id, err := s.deps.Jobs.Submit(r.Context(), job.Request{
		TenantID:     req.TenantID,
		TargetDomain: req.TargetDomain,
		Options:      req.Options,
	})
	s.metrics.RecordSubmit(err == nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Limiter       limiter.Status   `json:"limiter"`
	Agents        int              `json:"agents"`
	Schedules     []ScheduleStatus `json:"schedules,omitempty"`
}

// ScheduleStatus describes one recurring analysis.
type ScheduleStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
		Agents:        s.deps.Agents,
	}
	if s.deps.Limiter != nil {
		resp.Limiter = s.deps.Limiter.Status()
	}
	if s.deps.Schedules != nil {
		for _, e := range s.deps.Schedules.Entries() {
			resp.Schedules = append(resp.Schedules, ScheduleStatus{Name: e.Name, Schedule: e.Schedule, Next: e.Next})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidPlan):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("job api error", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
