package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"formflow/internal/auth"
	"formflow/internal/model"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrorResponse is the one error envelope of the API
type ErrorResponse struct {
	Error       string            `json:"error"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, code int, errCode, message string, log *zap.Logger) {
	writeErrorResponse(w, code, ErrorResponse{Error: errCode, Code: errCode, Message: message}, log)
}

func writeErrorResponse(w http.ResponseWriter, code int, resp ErrorResponse, log *zap.Logger) {
	if code >= http.StatusInternalServerError {
		log.Error("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	} else {
		log.Debug("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the error taxonomy onto status codes
func writeServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	var verr *model.ValidationError
	var sigErr *model.SignatureUploadError
	var upErr *model.UploadError
	var fieldErrs validator.ValidationErrors

	switch {
	case errors.As(err, &verr):
		writeErrorResponse(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:       "validation_failed",
			Code:        "validation_failed",
			Message:     "Some answers need attention",
			FieldErrors: verr.Fields.Map(),
		}, log)
	case errors.As(err, &fieldErrs):
		details := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fe.Field()] = fe.Tag()
		}
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{
			Error:       "invalid_request",
			Code:        "invalid_request",
			Message:     "Invalid request body",
			FieldErrors: details,
		}, log)
	case errors.As(err, &sigErr):
		WriteError(w, http.StatusBadGateway, "signature_upload_failed", sigErr.Error(), log)
	case errors.As(err, &upErr):
		WriteError(w, http.StatusBadGateway, "upload_failed", upErr.Error(), log)
	case errors.Is(err, model.ErrAuthenticationRequired):
		WriteError(w, http.StatusUnauthorized, "authentication_required", "Authentication required", log)
	case errors.Is(err, model.ErrFormNotFound):
		WriteError(w, http.StatusNotFound, "form_not_found", "Form not found", log)
	case errors.Is(err, model.ErrSubmissionNotFound):
		WriteError(w, http.StatusNotFound, "submission_not_found", "Submission not found", log)
	case errors.Is(err, model.ErrAssignmentNotFound):
		WriteError(w, http.StatusNotFound, "assignment_not_found", "Assignment not found", log)
	case errors.Is(err, model.ErrUploadNotFound):
		WriteError(w, http.StatusNotFound, "upload_not_found", "Upload not found", log)
	case errors.Is(err, model.ErrFileNotFound):
		WriteError(w, http.StatusNotFound, "file_not_found", "File not found", log)
	case errors.Is(err, model.ErrStorageAccessDenied):
		WriteError(w, http.StatusForbidden, "storage_access_denied", "Access to this file is denied", log)
	case errors.Is(err, model.ErrReviewStateConflict):
		WriteError(w, http.StatusConflict, "review_state_conflict", err.Error(), log)
	case errors.Is(err, model.ErrUploadInProgress):
		WriteError(w, http.StatusConflict, "upload_in_progress", "Uploads are still in progress", log)
	case errors.Is(err, model.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), log)
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), log)
	}
}

// RequireUser refuses anonymous requests
func RequireUser(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.FromContext(r.Context()); !ok {
				writeServiceError(w, model.ErrAuthenticationRequired, log)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin refuses callers without the admin role
func RequireAdmin(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok {
				writeServiceError(w, model.ErrAuthenticationRequired, log)
				return
			}
			if !id.IsAdmin() {
				WriteError(w, http.StatusForbidden, "forbidden", "Admin role required", log)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs HTTP requests and responses
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// WebSocket upgrades need the raw ResponseWriter
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
