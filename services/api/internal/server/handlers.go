package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"quillai/pkg/domain"
	"quillai/services/api/internal/app"
)

const stripeSignatureHeader = "Stripe-Signature"

// handleAuthCallback binds the verified identity to an account, creating it
// on first sign-in.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	id, ok := s.verify(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeNotAuthenticated, "unauthorized")
		return
	}
	user, created, err := s.app.Bootstrap(r.Context(), id)
	if err != nil {
		s.audit(r, "api.auth.callback", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.auth.callback", "success", "user_id", user.ID, "created", created)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"created": created,
		"user":    user,
	})
}

// upload failures answer with {message} for the upload widget.
func writeUploadError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	logger(r).Info("upload_rejected", "status", status, "reason", msg)
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, user.ID) {
		writeUploadError(w, r, http.StatusTooManyRequests, "too many uploads, try again later")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartSlack)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeUploadError(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds the %dMB upload limit", s.maxUploadBytes>>20))
			return
		}
		writeUploadError(w, r, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeUploadError(w, r, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	res, err := s.app.Upload(r.Context(), user, app.UploadInput{
		FileName: header.Filename,
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		status, _, known := appErrorStatus(err)
		msg := "upload failed"
		switch {
		case errors.Is(err, app.ErrFileTooLarge):
			msg = detail(err, app.ErrFileTooLarge)
		case errors.Is(err, app.ErrInvalidInput):
			msg = detail(err, app.ErrInvalidInput)
		case errors.Is(err, app.ErrUnsupportedType):
			msg = err.Error()
		case !known:
			logger(r).Error("upload_failed", "err", err)
		default:
			logger(r).Warn("upload_failed", "err", err)
		}
		writeUploadError(w, r, status, msg)
		return
	}
	s.audit(r, "api.upload", "success", "user_id", user.ID, "storage_key", res.StorageKey)
	writeJSON(w, http.StatusOK, res)
}

// detail strips the sentinel prefix from a wrapped error message.
func detail(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

// handleMessage streams the answer as plain text, flushing each fragment.
// Failures before the first fragment are reported as JSON errors; after
// that the body is simply cut short.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, user.ID) {
		writeError(w, r, http.StatusTooManyRequests, CodeTooManyRequests, "too many messages, try again later")
		return
	}
	var req app.SendMessageInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid JSON body")
		return
	}
	turn, err := s.app.PrepareTurn(r.Context(), user, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	_, err = turn.Stream(r.Context(), func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, delta); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})
	switch {
	case err == nil && !started:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	case err != nil && r.Context().Err() != nil:
		logger(r).Info("chat_stream_cancelled", "file_id", req.FileID)
	case err != nil && !started:
		writeAppError(w, r, err)
	case err != nil:
		logger(r).Warn("chat_stream_interrupted", "file_id", req.FileID, "err", err)
	}
}

// /api/files
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		files, err := s.app.ListFiles(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": files,
			"count": len(files),
		})
	case http.MethodPost:
		var req app.SaveFileInput
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid JSON body")
			return
		}
		f, err := s.app.SaveFile(r.Context(), user, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, f)
	default:
		methodNotAllowed(w, r)
	}
}

// /api/files/{id}, /api/files/{id}/status, /api/files/{id}/messages and
// /api/files/by-key/{key}
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/files/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "not found")
		return
	}
	if id == "by-key" && len(parts) == 2 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r)
			return
		}
		f, err := s.app.GetFileByKey(r.Context(), user, parts[1])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "status":
			s.handleFileStatus(w, r, user, id)
		case "messages":
			s.handleFileMessages(w, r, user, id)
		default:
			writeError(w, r, http.StatusNotFound, CodeNotFound, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		f, err := s.app.GetFile(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case http.MethodDelete:
		f, err := s.app.DeleteFile(r.Context(), user, id)
		if err != nil {
			s.audit(r, "api.file.delete", "fail", "user_id", user.ID, "file_id", id)
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "api.file.delete", "success", "user_id", user.ID, "file_id", f.ID)
		writeJSON(w, http.StatusOK, f)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	status, err := s.app.FileStatus(r.Context(), user, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.FileStatus{"status": status})
}

func (s *Server) handleFileMessages(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, CodeValidation, "limit must be an integer")
			return
		}
		limit = n
	}
	page, err := s.app.Messages(r.Context(), user, id, q.Get("cursor"), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleBillingPlan(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Plan(r.Context(), user))
}

func (s *Server) handleBillingSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	url, err := s.app.BillingSession(r.Context(), user)
	if err != nil {
		s.audit(r, "api.billing.session", "fail", "user_id", user.ID)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.billing.session", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "unreadable body")
		return
	}
	err = s.app.HandleBillingWebhook(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, app.ErrInvalidSignature) {
			s.audit(r, "api.webhook.stripe", "fail", "reason", "invalid_signature")
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
