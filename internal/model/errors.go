package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrFormNotFound           = errors.New("form not found")
	ErrSubmissionNotFound     = errors.New("submission not found")
	ErrAssignmentNotFound     = errors.New("assignment not found")
	ErrUploadNotFound         = errors.New("upload not found")
	ErrFileNotFound           = errors.New("file not found")
	ErrStorageAccessDenied    = errors.New("storage access denied")
	ErrReviewStateConflict    = errors.New("review state conflict")
	ErrUploadInProgress       = errors.New("uploads still in progress")
	ErrInvalidInput           = errors.New("invalid input")
)

// FieldError is one field-level validation message
type FieldError struct {
	FieldID string `json:"fieldId"`
	Message string `json:"message"`
}

// FieldErrors keeps validation messages in document order
type FieldErrors []FieldError

// Get returns the message for fieldID, if any
func (fe FieldErrors) Get(fieldID string) (string, bool) {
	for _, e := range fe {
		if e.FieldID == fieldID {
			return e.Message, true
		}
	}
	return "", false
}

// Map returns the errors keyed by field id
func (fe FieldErrors) Map() map[string]string {
	out := make(map[string]string, len(fe))
	for _, e := range fe {
		out[e.FieldID] = e.Message
	}
	return out
}

// ValidationError is returned by submit when answers fail validation.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	ids := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		ids = append(ids, f.FieldID)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(ids, ", "))
}

// UploadError is attached to a failed upload queue item. Uploads can always
// be retried by hand.
type UploadError struct {
	FileName  string
	Retryable bool
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %q failed: %v", e.FileName, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SignatureUploadError aborts a save or submit whose signature could not be stored
type SignatureUploadError struct {
	FieldID    string
	FieldLabel string
	Err        error
}

func (e *SignatureUploadError) Error() string {
	return fmt.Sprintf("could not save the signature for %q: %v", e.FieldLabel, e.Err)
}

func (e *SignatureUploadError) Unwrap() error { return e.Err }

// Conflict wraps ErrReviewStateConflict with a reason
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrReviewStateConflict, fmt.Sprintf(format, args...))
}
