package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"formflow/internal/attachment"
	"formflow/internal/auth"
	"formflow/internal/model"
	"formflow/internal/service"
	"formflow/internal/storage"
	"formflow/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Dependencies struct {
	Log         *zap.Logger
	Auth        *auth.JWTConfig
	Forms       *service.FormService
	Submissions *service.SubmissionService
	Reviews     *service.ReviewService
	Assignments *service.AssignmentService
	Files       *service.FileService
	Uploads     *attachment.Pipeline
	Signatures  *attachment.SignatureUploader
	// Local serves signed downloads when objects live on disk; nil otherwise
	Local       *storage.LocalStorage
	Hub         *ws.Hub
	MaxUploadMB float64
	Validate    *validator.Validate
}

func Routes(d Dependencies) http.Handler {
	if d.Validate == nil {
		d.Validate = validator.New()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Log))
	r.Use(d.Auth.Middleware)

	// Signed download tokens carry their own authorization
	r.Get("/files/raw", d.rawFile)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser(d.Log))

		r.Get("/forms/{formID}", d.getForm)
		r.Get("/forms/{formID}/submission", d.getSubmission)
		r.Put("/forms/{formID}/submission", d.saveSubmission)
		r.Post("/forms/{formID}/submission/submit", d.submitSubmission)
		r.Post("/forms/{formID}/submission/resubmit", d.resubmitSubmission)
		r.Post("/forms/{formID}/fields/{fieldID}/files", d.uploadFiles)
		r.Post("/forms/{formID}/fields/{fieldID}/signature", d.uploadSignature)

		r.Get("/me/assignments", d.listAssignments)
		r.Post("/assignments/{id}/open", d.openAssignment)

		r.Get("/uploads/{itemID}", d.getUpload)
		r.Post("/uploads/{itemID}/retry", d.retryUpload)

		r.Get("/submissions/{id}/files", d.listFiles)
		r.Get("/submissions/{id}/uploads", d.listUploads)
		r.Delete("/submissions/{id}/files/{fileID}", d.deleteFile)

		r.Get("/files/url", d.fileURL)
		r.Get("/ws", d.wsHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAdmin(d.Log))

		r.Post("/forms", d.createForm)
		r.Post("/assignments", d.createAssignment)
		r.Post("/submissions/{id}/approve", d.approveSubmission)
		r.Post("/submissions/{id}/reject", d.rejectSubmission)
	})

	return r
}

// maxJSONBody bounds JSON bodies; a signature data URL is the largest value
const maxJSONBody = 4 << 20

// decode reads a size-capped JSON body and runs the struct's validate tags
func (d Dependencies) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidInput, err)
	}
	return d.Validate.Struct(dst)
}

// identity is only called behind RequireUser
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
