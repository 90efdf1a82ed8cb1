package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"quillai/internal/servicetoken"
	"quillai/internal/util"
	"quillai/services/ingest/internal/app"
)

// Scopes carried by service tokens addressed to this service.
const (
	ScopeEnqueue = "ingest:enqueue"
	ScopeRead    = "ingest:read"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// PublicKeys maps kid to a PEM file path.
	PublicKeys     map[string]string
	AllowedIssuers []string
	// ReplayGuard rejects reused token IDs; nil uses an in-memory guard.
	ReplayGuard servicetoken.ReplayGuard
}

// Server exposes HTTP endpoints for the ingest service.
type Server struct {
	app          *app.App
	internalAuth *servicetoken.Verifier
	replay       servicetoken.ReplayGuard
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	keys := make(map[string]servicetoken.Key, len(cfg.PublicKeys))
	for kid, path := range cfg.PublicKeys {
		keys[kid] = servicetoken.Key{Path: strings.TrimSpace(path)}
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeys:     keys,
		Audience:       "ingest",
		AllowedIssuers: cfg.AllowedIssuers,
		Leeway:         servicetoken.DefaultLeeway,
	})
	if err != nil {
		return nil, err
	}
	replay := cfg.ReplayGuard
	if replay == nil {
		replay = servicetoken.NewMemoryReplayGuard()
	}
	s := &Server{
		app:          cfg.App,
		internalAuth: verifier,
		replay:       replay,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(nil, util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/ingest/jobs", s.withInternal(ScopeEnqueue, s.handleJobs))
	s.mux.Handle("/ingest/jobs/", s.withInternal(ScopeRead, s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withInternal admits each service token for this audience once. Tokens
// carrying no scopes are accepted for any route; scoped tokens must name the
// route's.
func (s *Server) withInternal(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := servicetoken.VerifyOnce(r.Context(), s.internalAuth, s.replay, token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("internal_auth_failed", "path", r.URL.Path, "err", err)
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		if len(claims.Scopes) > 0 && !claims.HasScope(scope) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	})
}

type ingestRequest struct {
	FileID string `json:"fileId"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.app.Enqueue(r.Context(), req.FileID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/ingest/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	job, err := s.app.GetJob(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "requestId": util.RequestIDFromRequest(r)})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrFileNotFound), errors.Is(err, app.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
