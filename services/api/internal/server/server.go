package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quillai/internal/ratelimit"
	"quillai/internal/security"
	"quillai/internal/usertoken"
	"quillai/internal/util"
	"quillai/pkg/billing"
	"quillai/pkg/domain"
	"quillai/services/api/internal/app"
)

// Error codes carried in every RPC error body.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION"
	CodeTooManyRequests  = "TOO_MANY_REQUESTS"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeUpstreamFailure  = "UPSTREAM_FAILURE"
	CodeInternal         = "INTERNAL"
)

// multipartSlack covers form boundaries and headers around the file part.
const multipartSlack = 1 << 20

// TokenVerifier checks identity-provider access tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	TokenVerifier            TokenVerifier
	Redis                    redis.Cmdable
	ChatRateLimitPerMinute   int
	UploadRateLimitPerMinute int
	TrustedProxies           *util.TrustedProxies
	CORSAllowedOrigins       []string
	// MaxUploadBytes caps the request body; defaults to the largest plan ceiling.
	MaxUploadBytes int64
	// Alerter is optional; nil disables threshold alerts.
	Alerter *security.AuditAlerter
}

// Server exposes the public HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	mux            *http.ServeMux
	trusted        *util.TrustedProxies
	corsOrigins    []string
	maxUploadBytes int64
	chatLimiter    *ratelimit.FixedWindowLimiter
	uploadLimiter  *ratelimit.FixedWindowLimiter
	alerter        *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier is required")
	}
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 20
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 5
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "quill:api:ratelimit", name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	uploadLimiter, err := newLimiter("upload", uploadLimit)
	if err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = billing.Pro.MaxFileBytes()
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
		maxUploadBytes: maxUpload,
		chatLimiter:    chatLimiter,
		uploadLimiter:  uploadLimiter,
		alerter:        cfg.Alerter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.trusted,
		util.WithSecurityHeaders(util.WithCORS(s.corsOrigins)(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/auth/callback", s.handleAuthCallback)
	s.mux.HandleFunc("/api/webhooks/stripe", s.handleStripeWebhook)

	s.mux.Handle("/api/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("/api/message", s.authenticated(s.handleMessage))
	s.mux.Handle("/api/files", s.authenticated(s.handleFiles))
	s.mux.Handle("/api/files/", s.authenticated(s.handleFileByID))
	s.mux.Handle("/api/billing/plan", s.authenticated(s.handleBillingPlan))
	s.mux.Handle("/api/billing/session", s.authenticated(s.handleBillingSession))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.verify(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, CodeNotAuthenticated, "unauthorized")
			return
		}
		user, err := s.app.UserForSubject(r.Context(), id.Subject)
		if err != nil {
			if errors.Is(err, app.ErrNotAuthenticated) {
				s.audit(r, "api.authorize", "fail", "reason", "unknown_account")
			}
			writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) verify(r *http.Request) (usertoken.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "api.token.verify", "fail", "reason", "missing_token")
		return usertoken.Identity{}, false
	}
	id, err := s.tokenVerifier.Verify(r.Context(), token)
	if err != nil {
		s.audit(r, "api.token.verify", "fail", "reason", "invalid_signature_or_claims")
		return usertoken.Identity{}, false
	}
	return id, true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, CodeValidation, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r)})
}

// appErrorStatus maps app sentinels to a status and code. Unknown errors are
// internal and their text is not exposed.
func appErrorStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, app.ErrNotAuthenticated):
		return http.StatusUnauthorized, CodeNotAuthenticated, true
	case errors.Is(err, app.ErrFileNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, app.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge, true
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrUnsupportedType),
		errors.Is(err, app.ErrInvalidSignature):
		return http.StatusBadRequest, CodeValidation, true
	case errors.Is(err, app.ErrUpstream):
		return http.StatusBadGateway, CodeUpstreamFailure, true
	default:
		return http.StatusInternalServerError, CodeInternal, false
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, known := appErrorStatus(err)
	msg := err.Error()
	switch {
	case !known:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		msg = "internal error"
	case status == http.StatusBadGateway:
		util.LoggerFromContext(r.Context()).Warn("upstream_failed", "err", err)
		msg = "upstream service unavailable"
	case status == http.StatusNotFound:
		msg = "not found"
	}
	writeError(w, r, status, code, msg)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowRate counts one event for the user and sets Retry-After when denied.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, userID string) bool {
	decision := limiter.Allow(r.Context(), userID)
	if decision.Allowed {
		return true
	}
	seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	s.audit(r, "api."+limiter.Name(), "rate_limited", "user_id", userID)
	return false
}

func logger(r *http.Request) *slog.Logger {
	return util.LoggerFromContext(r.Context())
}
