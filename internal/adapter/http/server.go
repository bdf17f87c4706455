package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/domain"
)

const maxBodyBytes = 1 << 20

// DefaultPurgeAge is how old a finished job must be before cleanup removes
// it when the request names no max_age.
const DefaultPurgeAge = 7 * 24 * time.Hour

// Canceller stops a job on request.
type Canceller interface {
	Cancel(ctx context.Context, id string) error
}

// Server is the HTTP adapter for job intake and status checks.
type Server struct {
	svc    *domain.JobService
	cancel Canceller
	mux    *http.ServeMux
	server *http.Server
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, cancel Canceller, addr string, log *zap.SugaredLogger) *Server {
	s := &Server{
		svc:    svc,
		cancel: cancel,
		mux:    http.NewServeMux(),
		log:    log,
		now:    time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /jobs/{id}/artifact", s.handleArtifact)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /admin/cleanup", s.handleCleanup)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

type apiKeyCredentials struct {
	APIKey string `json:"api_key"`
}

type dataForSEOCredentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	// APIKey accepts the combined "login:password" form.
	APIKey string `json:"api_key"`
}

// submitRequest is the request body for POST /jobs.
type submitRequest struct {
	Domains     []string `json:"domains"`
	Providers   []string `json:"providers"`
	Credentials struct {
		Ahrefs     apiKeyCredentials     `json:"ahrefs"`
		Majestic   apiKeyCredentials     `json:"majestic"`
		DataForSEO dataForSEOCredentials `json:"dataforseo"`
	} `json:"credentials"`
}

type progressResponse struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type jobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID               string           `json:"id"`
	Status           string           `json:"status"`
	Providers        []string         `json:"providers"`
	Progress         progressResponse `json:"progress"`
	ElapsedSeconds   float64          `json:"elapsed_seconds"`
	RemainingSeconds float64          `json:"estimated_remaining_seconds,omitempty"`
	Error            *jobError        `json:"error,omitempty"`
	DownloadURL      string           `json:"download_url,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

type cleanupResponse struct {
	Deleted int    `json:"deleted"`
	MaxAge  string `json:"max_age"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INPUT_INVALID", "invalid JSON")
		return
	}

	jr, err := toJobRequest(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INPUT_INVALID", err.Error())
		return
	}

	job, err := s.svc.Submit(r.Context(), jr)
	if err != nil {
		s.log.Errorw("submit error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	s.log.Infow("job submitted", "job", job.ID, "domains", len(job.Domains), "providers", job.Providers.String())
	s.writeJSON(w, http.StatusAccepted, s.jobToResponse(job))
}

func toJobRequest(req submitRequest) (domain.JobRequest, error) {
	jr := domain.JobRequest{Domains: req.Domains, Providers: domain.ProviderSet{}}
	for _, name := range req.Providers {
		p, err := domain.ParseProvider(name)
		if err != nil {
			return jr, err
		}
		jr.Providers[p] = true
	}

	c := req.Credentials
	jr.Credentials.Ahrefs.APIKey = strings.TrimSpace(c.Ahrefs.APIKey)
	jr.Credentials.Majestic.APIKey = strings.TrimSpace(c.Majestic.APIKey)
	jr.Credentials.DataForSEO.Login = c.DataForSEO.Login
	jr.Credentials.DataForSEO.Password = c.DataForSEO.Password
	if c.DataForSEO.APIKey != "" && c.DataForSEO.Login == "" {
		dfs, err := domain.ParseDataForSEOKey(c.DataForSEO.APIKey)
		if err != nil {
			return jr, err
		}
		jr.Credentials.DataForSEO = dfs
	}
	return jr, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := s.svc.Artifact(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=imscraper_results_%s.xlsx", short))
	http.ServeFile(w, r, path)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cancel.Cancel(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	job, err := s.svc.Status(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := DefaultPurgeAge
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "INPUT_INVALID", "max_age must be a non-negative duration such as 168h")
			return
		}
		maxAge = d
	}

	n, err := s.svc.Purge(r.Context(), maxAge)
	if err != nil {
		s.log.Errorw("cleanup error", "error", err, "deleted", n)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	s.log.Infow("finished jobs purged", "deleted", n, "max_age", maxAge)
	s.writeJSON(w, http.StatusOK, cleanupResponse{Deleted: n, MaxAge: maxAge.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
	case errors.Is(err, domain.ErrNotReady):
		s.writeError(w, http.StatusConflict, "NOT_READY", "job is not complete")
	case errors.Is(err, domain.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, "TERMINAL", "job already finished")
	default:
		s.log.Errorw("request error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func (s *Server) jobToResponse(job *domain.Job) jobResponse {
	now := s.now()
	resp := jobResponse{
		ID:     job.ID,
		Status: string(job.Status),
		Progress: progressResponse{
			Completed: job.Progress.Completed,
			Total:     job.Progress.Total,
		},
		ElapsedSeconds:   job.Elapsed(now).Seconds(),
		RemainingSeconds: job.EstimatedRemaining(now).Seconds(),
		Providers:        []string{},
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        job.UpdatedAt.Format(time.RFC3339),
	}
	for _, p := range job.Providers.List() {
		resp.Providers = append(resp.Providers, string(p))
	}
	if job.Status == domain.StatusFailed {
		resp.Error = &jobError{Kind: string(job.ErrorKind), Message: job.Error}
	}
	if job.Status == domain.StatusDone {
		resp.DownloadURL = "/jobs/" + job.ID + "/artifact"
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
